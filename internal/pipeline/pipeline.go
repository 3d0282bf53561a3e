// Package pipeline runs multi-step workflow chains against the backend,
// feeding each step's first output into the next.
package pipeline

import (
	"context"
	"encoding/base64"
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

// PrevOutput is the input value that binds a step input to the previous
// step's first output reference.
const PrevOutput = "__prev__"

const (
	// Per-step poll budget: 240 attempts x 2s, roughly eight minutes
	DefaultStepPollInterval = 2 * time.Second
	DefaultStepPollAttempts = 240
)

// Run status values. A run leaves StatusRunning exactly once.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// CompletedStep records one finished step of a pipeline run.
type CompletedStep struct {
	Step       int    `json:"step"`
	WorkflowID string `json:"workflowId"`
	PromptID   string `json:"promptId"`
	Output     string `json:"output"`
	OutputType string `json:"outputType"`
}

// Run is the observable state of one pipeline execution. CurrentStep is
// 1-based and only ever moves forward.
type Run struct {
	ID             string          `json:"pipelineId"`
	Name           string          `json:"name,omitempty"`
	Status         string          `json:"status"`
	CurrentStep    int             `json:"currentStep"`
	TotalSteps     int             `json:"totalSteps"`
	CompletedSteps []CompletedStep `json:"completedSteps"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`

	// FinalOutput carries the last step's downloaded output, base64
	// encoded, once the run completes.
	FinalOutput     string `json:"finalOutput,omitempty"`
	FinalOutputType string `json:"finalOutputType,omitempty"`
}

// Orchestrator starts pipeline runs and tracks their state. Each run
// executes on its own goroutine; the registry lock is never held across
// a backend call.
type Orchestrator struct {
	store *store.Store
	hist  *history.DB

	// Overridable in tests for deterministic timing
	PollInterval time.Duration
	PollAttempts uint64

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates an orchestrator. hist may be nil to disable run logging.
func New(st *store.Store, hist *history.DB) *Orchestrator {
	return &Orchestrator{
		store:        st,
		hist:         hist,
		PollInterval: DefaultStepPollInterval,
		PollAttempts: DefaultStepPollAttempts,
		runs:         map[string]*Run{},
	}
}

// Start launches a pipeline run and returns its id. The steps execute
// sequentially in the background; progress is observable through Get.
func (o *Orchestrator) Start(ctx context.Context, name string, steps []store.PipelineStep) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("pipeline has no steps")
	}

	id := uuid.NewString()
	run := &Run{
		ID:         id,
		Name:       name,
		Status:     StatusRunning,
		TotalSteps: len(steps),
		StartedAt:  time.Now(),
	}

	o.mu.Lock()
	o.runs[id] = run
	o.mu.Unlock()

	go o.execute(ctx, id, steps)
	return id, nil
}

// Get returns a snapshot of one run's state.
func (o *Orchestrator) Get(id string) (Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[id]
	if !ok {
		return Run{}, false
	}
	return snapshot(run), true
}

// Runs returns snapshots of all known runs.
func (o *Orchestrator) Runs() []Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Run, 0, len(o.runs))
	for _, run := range o.runs {
		out = append(out, snapshot(run))
	}
	return out
}

func snapshot(run *Run) Run {
	cp := *run
	cp.CompletedSteps = make([]CompletedStep, len(run.CompletedSteps))
	copy(cp.CompletedSteps, run.CompletedSteps)
	return cp
}

func (o *Orchestrator) execute(ctx context.Context, id string, steps []store.PipelineStep) {
	log := logger.With("pipeline").With().Str("pipeline_id", id).Logger()

	metrics.PipelinesRunningGauge.Inc()
	defer metrics.PipelinesRunningGauge.Dec()

	prevOutput := ""
	for i, step := range steps {
		stepNum := i + 1

		o.mu.Lock()
		o.runs[id].CurrentStep = stepNum
		o.mu.Unlock()

		log.Info().Int("step", stepNum).Str("workflow_id", step.WorkflowID).Msg("pipeline step starting")

		done, err := o.runStep(ctx, step, prevOutput)
		if err != nil {
			reason := fmt.Sprintf("step %d (%s): %v", stepNum, step.WorkflowID, err)
			log.Error().Int("step", stepNum).Err(err).Msg("pipeline step failed")

			o.mu.Lock()
			run := o.runs[id]
			run.Status = StatusError
			run.Error = reason
			o.mu.Unlock()
			return
		}

		completed := CompletedStep{
			Step:       stepNum,
			WorkflowID: step.WorkflowID,
			PromptID:   done.promptID,
			Output:     done.outputRef,
			OutputType: done.outputType,
		}

		o.mu.Lock()
		run := o.runs[id]
		run.CompletedSteps = append(run.CompletedSteps, completed)
		if stepNum == run.TotalSteps {
			run.Status = StatusComplete
			run.FinalOutput = base64.StdEncoding.EncodeToString(done.data)
			run.FinalOutputType = done.outputType
		}
		o.mu.Unlock()

		prevOutput = done.outputRef
	}

	log.Info().Int("steps", len(steps)).Msg("pipeline complete")
}

// stepResult is what one finished step hands to its successor.
type stepResult struct {
	promptID   string
	outputRef  string
	outputType string
	data       []byte
}

func (o *Orchestrator) runStep(ctx context.Context, step store.PipelineStep, prevOutput string) (*stepResult, error) {
	started := time.Now()

	wf, ok := o.store.FindWorkflow(step.WorkflowID)
	if !ok {
		return nil, executor.ErrWorkflowNotFound
	}
	srv, ok := o.store.FindServer(wf.ServerRef)
	if !ok {
		return nil, executor.ErrNoServer
	}

	graph, err := comfy.NormalizeGraph(wf.WorkflowJSON)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]interface{}, len(step.Inputs))
	for key, val := range step.Inputs {
		if s, ok := val.(string); ok && s == PrevOutput {
			val = prevOutput
		}
		inputs[key] = val
	}
	comfy.ApplyInputs(graph, inputs)
	comfy.ResolveSentinelSeeds(graph)

	client := comfy.NewClient(srv.URL, srv.APIKey)
	promptID, err := client.SubmitPrompt(graph)
	if err != nil {
		o.logRun(&history.Record{
			WorkflowID: wf.ID,
			Source:     history.SourcePipeline,
			Status:     "failed",
			Error:      err.Error(),
			DurationMS: time.Since(started).Milliseconds(),
		})
		return nil, fmt.Errorf("ComfyUI submit error: %w", err)
	}

	entry, err := executor.WaitForPrompt(ctx, client, promptID, o.PollInterval, o.PollAttempts)
	if err != nil {
		o.logRun(&history.Record{
			PromptID:   promptID,
			WorkflowID: wf.ID,
			Source:     history.SourcePipeline,
			Status:     "failed",
			Error:      err.Error(),
			DurationMS: time.Since(started).Milliseconds(),
		})
		return nil, err
	}

	items := comfy.ExtractOutputs(entry.Outputs)
	if len(items) == 0 {
		return nil, executor.ErrNoOutputs
	}
	first := items[0]

	data, err := client.Download(first)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}

	outputType := comfy.InferOutputType(first.Filename)
	o.logRun(&history.Record{
		PromptID:   promptID,
		WorkflowID: wf.ID,
		Source:     history.SourcePipeline,
		Status:     "complete",
		OutputType: outputType,
		DurationMS: time.Since(started).Milliseconds(),
	})

	return &stepResult{
		promptID:   promptID,
		outputRef:  first.Ref(),
		outputType: outputType,
		data:       data,
	}, nil
}

func (o *Orchestrator) logRun(rec *history.Record) {
	if o.hist == nil {
		return
	}
	if err := o.hist.Insert(rec); err != nil {
		lg := logger.With("pipeline")
		lg.Warn().Err(err).Msg("run log insert failed")
	}
}
