package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/comfyclaw/node/internal/comfy"
	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/model"
	"github.com/comfyclaw/node/internal/progress"
	"github.com/comfyclaw/node/internal/store"
)

const (
	// Poll budget: 300 attempts x 2s, roughly ten minutes
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 300
)

// Failure reasons reported back to the gateway. Configuration misses
// fail immediately and are never retried; the timeout is distinct from
// a backend error.
var (
	ErrWorkflowNotFound = errors.New("workflow not found locally")
	ErrNoServer         = errors.New("no ComfyUI server configured")
	ErrNoOutputs        = errors.New("no output files")
	ErrTimeout          = errors.New("timeout waiting for ComfyUI")
)

// errPending marks a poll attempt that found no completed entry yet.
var errPending = errors.New("prompt not completed yet")

// Result is a successfully executed job's output.
type Result struct {
	PromptID      string
	Output        []byte
	OutputType    string
	ResolvedSeeds map[string]int64
}

// Executor bridges gateway job requests to backend HTTP calls.
type Executor struct {
	store *store.Store

	// Overridable in tests for deterministic timing
	PollInterval time.Duration
	PollAttempts uint64
}

// New creates an executor backed by the given config store.
func New(st *store.Store) *Executor {
	return &Executor{
		store:        st,
		PollInterval: DefaultPollInterval,
		PollAttempts: DefaultPollAttempts,
	}
}

// Execute runs one job to completion against the backend. The report
// callback, when non-nil, receives normalized progress from a detached
// relay session; relay failure never fails the job. The returned error
// is the job's failure reason; a nil error means the Result carries
// the downloaded output.
func (e *Executor) Execute(ctx context.Context, job *model.Job, report func(float64)) (*Result, error) {
	log := logger.WithJob("executor", job.JobID)

	wf, ok := e.store.FindWorkflow(job.WorkflowID)
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	srv, ok := e.store.FindServer(wf.ServerRef)
	if !ok {
		return nil, ErrNoServer
	}

	graph, err := comfy.NormalizeGraph(wf.WorkflowJSON)
	if err != nil {
		return nil, err
	}
	comfy.ApplyInputs(graph, job.Inputs)
	resolvedSeeds := comfy.ResolveSentinelSeeds(graph)

	client := comfy.NewClient(srv.URL, srv.APIKey)
	promptID, err := client.SubmitPrompt(graph)
	if err != nil {
		return nil, fmt.Errorf("ComfyUI submit error: %w", err)
	}
	log.Info().Str("prompt_id", promptID).Str("workflow_id", wf.ID).Msg("job submitted")

	if report != nil {
		go progress.New(srv.URL, srv.APIKey, promptID, job.JobID, report).Track()
	}

	entry, err := WaitForPrompt(ctx, client, promptID, e.PollInterval, e.PollAttempts)
	if err != nil {
		return nil, err
	}

	items := comfy.ExtractOutputs(entry.Outputs)
	if len(items) == 0 {
		return nil, ErrNoOutputs
	}

	first := items[0]
	data, err := client.Download(first)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}

	log.Info().Str("prompt_id", promptID).Str("filename", first.Filename).
		Int("bytes", len(data)).Msg("job completed")

	return &Result{
		PromptID:      promptID,
		Output:        data,
		OutputType:    comfy.InferOutputType(first.Filename),
		ResolvedSeeds: resolvedSeeds,
	}, nil
}

// WaitForPrompt polls the history endpoint on a fixed interval until
// the prompt completes or the attempt budget runs out. Transport errors
// on individual polls are tolerated and retried.
func WaitForPrompt(ctx context.Context, client *comfy.Client, promptID string, interval time.Duration, attempts uint64) (*comfy.HistoryEntry, error) {
	var entry *comfy.HistoryEntry

	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ent, found, err := client.History(promptID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !found || !ent.Status.Completed {
			return retry.RetryableError(errPending)
		}
		entry = ent
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
	return entry, nil
}
