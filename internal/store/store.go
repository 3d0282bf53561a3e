package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Server is a rendering backend endpoint binding.
type Server struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	APIKey    string `json:"apiKey"`
	IsDefault bool   `json:"isDefault"`
}

// NodeRef points at one input or output field of a workflow graph node.
type NodeRef struct {
	NodeID       string      `json:"nodeId"`
	FieldPath    string      `json:"fieldPath"`
	Label        string      `json:"label"`
	Type         string      `json:"type"`
	CurrentValue interface{} `json:"currentValue"`
	Description  string      `json:"description"`
}

// Workflow is a stored job graph template bound to a backend server.
type Workflow struct {
	ID                   string                 `json:"id"`
	Title                string                 `json:"title"`
	Emoji                string                 `json:"emoji"`
	Description          string                 `json:"description"`
	ServerRef            string                 `json:"serverRef"`
	WorkflowJSON         map[string]interface{} `json:"workflowJson"`
	PrimaryInputNodes    []NodeRef              `json:"primaryInputNodes"`
	SecondaryInputNodes  []NodeRef              `json:"secondaryInputNodes"`
	PrimaryOutputNodes   []NodeRef              `json:"primaryOutputNodes"`
	SecondaryOutputNodes []NodeRef              `json:"secondaryOutputNodes"`
	Published            bool                   `json:"published"`
}

// Template is a saved set of input values for a workflow.
type Template struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	WorkflowID string                 `json:"workflowId"`
	Inputs     map[string]interface{} `json:"inputs"`
	Created    string                 `json:"created"`
}

// PipelineStep is one step of a saved pipeline definition.
type PipelineStep struct {
	WorkflowID string                 `json:"workflowId"`
	Inputs     map[string]interface{} `json:"inputs"`
}

// Pipeline is a saved multi-step pipeline definition.
type Pipeline struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Steps   []PipelineStep `json:"steps"`
	Created string         `json:"created"`
}

type data struct {
	Servers   []Server   `json:"servers"`
	Workflows []Workflow `json:"workflows"`
	Templates []Template `json:"templates"`
	Pipelines []Pipeline `json:"pipelines"`
}

// Store is the JSON-file backed configuration store. All public
// operations take the lock internally; callers never hold it.
type Store struct {
	path string

	mu   sync.RWMutex
	data data
}

// Open loads the store from path, creating an empty store file if none
// exists yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}
	return s, nil
}

// save writes the store to disk. Callers must hold the write lock
// (or be the only reference, as in Open).
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────
// Servers
// ─────────────────────────────────────────────

// Servers returns a copy of all configured servers.
func (s *Store) Servers() []Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Server, len(s.data.Servers))
	copy(out, s.data.Servers)
	return out
}

// FindServer returns the server with the given id.
func (s *Store) FindServer(id string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, srv := range s.data.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return Server{}, false
}

// DefaultServer returns the default server, falling back to the first
// configured one.
func (s *Store) DefaultServer() (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, srv := range s.data.Servers {
		if srv.IsDefault {
			return srv, true
		}
	}
	if len(s.data.Servers) > 0 {
		return s.data.Servers[0], true
	}
	return Server{}, false
}

// AddServer stores a new server. A missing id is generated; marking a
// server default clears the flag on all others.
func (s *Store) AddServer(srv Server) (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	srv.URL = strings.TrimRight(srv.URL, "/")
	if srv.IsDefault {
		for i := range s.data.Servers {
			s.data.Servers[i].IsDefault = false
		}
	}
	s.data.Servers = append(s.data.Servers, srv)
	return srv, s.save()
}

// UpdateServer applies changes to an existing server.
func (s *Store) UpdateServer(srv Server) (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Servers {
		if s.data.Servers[i].ID == srv.ID {
			srv.URL = strings.TrimRight(srv.URL, "/")
			if srv.IsDefault {
				for j := range s.data.Servers {
					s.data.Servers[j].IsDefault = false
				}
			}
			s.data.Servers[i] = srv
			return srv, s.save()
		}
	}
	return Server{}, fmt.Errorf("server not found: %s", srv.ID)
}

// DeleteServer removes a server by id.
func (s *Store) DeleteServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Servers[:0]
	for _, srv := range s.data.Servers {
		if srv.ID != id {
			kept = append(kept, srv)
		}
	}
	s.data.Servers = kept
	return s.save()
}

// ─────────────────────────────────────────────
// Workflows
// ─────────────────────────────────────────────

// Workflows returns a copy of all stored workflows.
func (s *Store) Workflows() []Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Workflow, len(s.data.Workflows))
	copy(out, s.data.Workflows)
	return out
}

// FindWorkflow looks a workflow up by exact id, then by unique id
// prefix.
func (s *Store) FindWorkflow(id string) (Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.data.Workflows {
		if wf.ID == id {
			return wf, true
		}
	}
	var match *Workflow
	for i := range s.data.Workflows {
		if strings.HasPrefix(s.data.Workflows[i].ID, id) {
			if match != nil {
				return Workflow{}, false // ambiguous prefix
			}
			match = &s.data.Workflows[i]
		}
	}
	if match != nil {
		return *match, true
	}
	return Workflow{}, false
}

// PublishedWorkflowIDs lists the ids of all published workflows, the
// default set offered to the gateway.
func (s *Store) PublishedWorkflowIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, wf := range s.data.Workflows {
		if wf.Published {
			ids = append(ids, wf.ID)
		}
	}
	return ids
}

// AddWorkflow stores a new workflow, generating an id when missing.
func (s *Store) AddWorkflow(wf Workflow) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	s.data.Workflows = append(s.data.Workflows, wf)
	return wf, s.save()
}

// UpdateWorkflow applies changes to an existing workflow.
func (s *Store) UpdateWorkflow(wf Workflow) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Workflows {
		if s.data.Workflows[i].ID == wf.ID {
			s.data.Workflows[i] = wf
			return wf, s.save()
		}
	}
	return Workflow{}, fmt.Errorf("workflow not found: %s", wf.ID)
}

// DeleteWorkflow removes a workflow by id.
func (s *Store) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Workflows[:0]
	for _, wf := range s.data.Workflows {
		if wf.ID != id {
			kept = append(kept, wf)
		}
	}
	s.data.Workflows = kept
	return s.save()
}

// SetPublished flips the published flag on a workflow.
func (s *Store) SetPublished(id string, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Workflows {
		if s.data.Workflows[i].ID == id {
			s.data.Workflows[i].Published = published
			return s.save()
		}
	}
	return fmt.Errorf("workflow not found: %s", id)
}

// ─────────────────────────────────────────────
// Templates
// ─────────────────────────────────────────────

// Templates returns stored templates, optionally filtered by workflow
// id (global templates with an empty workflowId always match).
func (s *Store) Templates(workflowID string) []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Template
	for _, t := range s.data.Templates {
		if workflowID == "" || t.WorkflowID == "" || t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out
}

// AddTemplate stores a new template.
func (s *Store) AddTemplate(t Template) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Created == "" {
		t.Created = time.Now().UTC().Format(time.RFC3339)
	}
	s.data.Templates = append(s.data.Templates, t)
	return t, s.save()
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Templates[:0]
	found := false
	for _, t := range s.data.Templates {
		if t.ID == id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	s.data.Templates = kept
	if !found {
		return fmt.Errorf("template not found: %s", id)
	}
	return s.save()
}

// ─────────────────────────────────────────────
// Saved pipelines
// ─────────────────────────────────────────────

// Pipelines returns all saved pipeline definitions.
func (s *Store) Pipelines() []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pipeline, len(s.data.Pipelines))
	copy(out, s.data.Pipelines)
	return out
}

// AddPipeline stores a pipeline definition.
func (s *Store) AddPipeline(p Pipeline) (Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Created == "" {
		p.Created = time.Now().UTC().Format(time.RFC3339)
	}
	s.data.Pipelines = append(s.data.Pipelines, p)
	return p, s.save()
}

// DeletePipeline removes a saved pipeline by id or name.
func (s *Store) DeletePipeline(idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Pipelines[:0]
	for _, p := range s.data.Pipelines {
		if p.ID != idOrName && p.Name != idOrName {
			kept = append(kept, p)
		}
	}
	s.data.Pipelines = kept
	return s.save()
}
