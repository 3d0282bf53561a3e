// Package batch submits N variations of one workflow in a single burst
// and tracks their completion opportunistically: statuses advance when
// a caller asks, via the same history polling path single jobs use.
package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comfyclaw/node/internal/comfy"
	"github.com/comfyclaw/node/internal/executor"
	"github.com/comfyclaw/node/internal/history"
	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/metrics"
	"github.com/comfyclaw/node/internal/store"
)

// MaxVariations caps one batch submission.
const MaxVariations = 50

// Run status values.
const (
	StatusQueued   = "queued"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Run is one variation within a batch.
type Run struct {
	Index    int                    `json:"index"` // 1-based
	PromptID string                 `json:"promptId,omitempty"`
	Status   string                 `json:"status"`
	Inputs   map[string]interface{} `json:"inputs,omitempty"`
	Seeds    map[string]int64       `json:"seeds,omitempty"`
	Error    string                 `json:"error,omitempty"`

	startedAt time.Time
}

// Batch is the observable state of one batch submission. The batch
// stays queued until every run has reached a terminal status.
type Batch struct {
	ID         string    `json:"batchId"`
	WorkflowID string    `json:"workflowId"`
	Variations int       `json:"variations"`
	VarySeed   bool      `json:"varySeed"`
	Status     string    `json:"status"`
	Runs       []Run     `json:"runs"`
	Created    time.Time `json:"created"`
}

// Orchestrator submits batches and refreshes their statuses. The
// registry lock is never held across a backend call.
type Orchestrator struct {
	store *store.Store
	hist  *history.DB

	mu      sync.Mutex
	batches map[string]*Batch
}

// New creates an orchestrator. hist may be nil to disable run logging.
func New(st *store.Store, hist *history.DB) *Orchestrator {
	return &Orchestrator{
		store:   st,
		hist:    hist,
		batches: map[string]*Batch{},
	}
}

// Submit queues variations of one workflow and returns the batch state
// after all submissions have been attempted. With varySeed set, every
// seed-like field receives its own fresh random value per run; without
// it, only sentinel seeds are resolved, once per run.
func (o *Orchestrator) Submit(workflowID string, inputs map[string]interface{}, variations int, varySeed bool) (Batch, error) {
	log := logger.With("batch")

	if variations < 1 {
		variations = 1
	}
	if variations > MaxVariations {
		variations = MaxVariations
	}

	wf, ok := o.store.FindWorkflow(workflowID)
	if !ok {
		return Batch{}, executor.ErrWorkflowNotFound
	}
	srv, ok := o.store.FindServer(wf.ServerRef)
	if !ok {
		return Batch{}, executor.ErrNoServer
	}
	client := comfy.NewClient(srv.URL, srv.APIKey)

	batch := &Batch{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Variations: variations,
		VarySeed:   varySeed,
		Status:     StatusQueued,
		Created:    time.Now(),
	}

	for i := 1; i <= variations; i++ {
		run := Run{Index: i, Status: StatusQueued, Inputs: inputs, startedAt: time.Now()}

		graph, err := comfy.NormalizeGraph(wf.WorkflowJSON)
		if err != nil {
			run.Status = StatusError
			run.Error = err.Error()
			batch.Runs = append(batch.Runs, run)
			continue
		}
		comfy.ApplyInputs(graph, inputs)

		seeds := comfy.ResolveSentinelSeeds(graph)
		if varySeed {
			for _, field := range comfy.FindSeedFields(graph) {
				seed := comfy.RandomSeed(comfy.VariationSeedMax)
				graph[field.NodeID]["inputs"].(map[string]interface{})[field.Field] = seed
				seeds[field.NodeID+"."+field.Field] = seed
			}
		}
		run.Seeds = seeds

		promptID, err := client.SubmitPrompt(graph)
		if err != nil {
			run.Status = StatusError
			run.Error = fmt.Sprintf("ComfyUI submit error: %v", err)
			log.Warn().Int("index", i).Err(err).Msg("batch run submit failed")
			o.logRun(&history.Record{
				WorkflowID: wf.ID,
				Source:     history.SourceBatch,
				Status:     "failed",
				Error:      run.Error,
			})
		} else {
			run.PromptID = promptID
			metrics.BatchRunsSubmittedTotal.Inc()
		}
		batch.Runs = append(batch.Runs, run)
	}

	log.Info().Str("batch_id", batch.ID).Str("workflow_id", wf.ID).
		Int("variations", variations).Bool("vary_seed", varySeed).Msg("batch submitted")

	o.mu.Lock()
	o.batches[batch.ID] = batch
	o.mu.Unlock()

	return o.refresh(batch.ID, client), nil
}

// Get returns a snapshot of one batch without touching the backend.
func (o *Orchestrator) Get(id string) (Batch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[id]
	if !ok {
		return Batch{}, false
	}
	return snapshot(b), true
}

// Batches returns snapshots of all known batches.
func (o *Orchestrator) Batches() []Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Batch, 0, len(o.batches))
	for _, b := range o.batches {
		out = append(out, snapshot(b))
	}
	return out
}

// Refresh re-checks every still-queued run of a batch against the
// backend history and returns the updated snapshot.
func (o *Orchestrator) Refresh(id string) (Batch, bool) {
	o.mu.Lock()
	b, ok := o.batches[id]
	if !ok {
		o.mu.Unlock()
		return Batch{}, false
	}
	workflowID := b.WorkflowID
	o.mu.Unlock()

	wf, ok := o.store.FindWorkflow(workflowID)
	if !ok {
		return o.Get(id)
	}
	srv, ok := o.store.FindServer(wf.ServerRef)
	if !ok {
		return o.Get(id)
	}

	return o.refresh(id, comfy.NewClient(srv.URL, srv.APIKey)), true
}

// refresh gathers queued prompt ids under the lock, queries the backend
// outside it, then applies the results under the lock again.
func (o *Orchestrator) refresh(id string, client *comfy.Client) Batch {
	o.mu.Lock()
	b := o.batches[id]
	var pending []string
	for _, run := range b.Runs {
		if run.Status == StatusQueued && run.PromptID != "" {
			pending = append(pending, run.PromptID)
		}
	}
	o.mu.Unlock()

	completed := map[string]bool{}
	for _, promptID := range pending {
		entry, found, err := client.History(promptID)
		if err != nil || !found {
			continue
		}
		if entry.Status.Completed {
			completed[promptID] = true
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range b.Runs {
		run := &b.Runs[i]
		if run.Status == StatusQueued && completed[run.PromptID] {
			run.Status = StatusComplete
			o.logRun(&history.Record{
				PromptID:   run.PromptID,
				WorkflowID: b.WorkflowID,
				Source:     history.SourceBatch,
				Status:     "complete",
				DurationMS: time.Since(run.startedAt).Milliseconds(),
			})
		}
	}

	// A batch completes only when every run completed. Errored runs
	// settle the batch as error, never as a silent success.
	allDone, anyError := true, false
	for _, run := range b.Runs {
		switch run.Status {
		case StatusQueued:
			allDone = false
		case StatusError:
			anyError = true
		}
	}
	if allDone {
		if anyError {
			b.Status = StatusError
		} else {
			b.Status = StatusComplete
		}
	}
	return snapshot(b)
}

func snapshot(b *Batch) Batch {
	cp := *b
	cp.Runs = make([]Run, len(b.Runs))
	copy(cp.Runs, b.Runs)
	return cp
}

func (o *Orchestrator) logRun(rec *history.Record) {
	if o.hist == nil {
		return
	}
	if err := o.hist.Insert(rec); err != nil {
		lg := logger.With("batch")
		lg.Warn().Err(err).Msg("run log insert failed")
	}
}
