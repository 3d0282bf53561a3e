// Package provider maintains the outward-dialing gateway connection:
// dial, handshake, advertise capability, then serve jobs until the
// session drops, and reconnect forever on a fixed delay.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfyclaw/node/internal/comfy"
	"github.com/comfyclaw/node/internal/executor"
	"github.com/comfyclaw/node/internal/history"
	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/metrics"
	"github.com/comfyclaw/node/internal/model"
	"github.com/comfyclaw/node/internal/store"
	"github.com/comfyclaw/node/internal/ws"
)

const (
	// Fixed delay between reconnection attempts, applied uniformly to
	// dial failures, handshake rejections and dropped sessions.
	DefaultReconnectDelay = 5 * time.Second

	// Read timeout per loop iteration so shutdown is noticed promptly
	// on an idle connection.
	readTimeout = 10 * time.Second
)

// State is the connection lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateListening
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventSink receives provider lifecycle and job events, used by the
// dashboard to push live updates.
type EventSink interface {
	Publish(event string, payload interface{})
}

// Status is a point-in-time view of the provider for inspection.
type Status struct {
	State          string    `json:"state"`
	GatewayURL     string    `json:"gatewayUrl"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	JobsCompleted  int64     `json:"jobsCompleted"`
	JobsFailed     int64     `json:"jobsFailed"`
	CurrentJobID   string    `json:"currentJobId,omitempty"`
}

// Provider is the gateway connection driver. One Run call owns the
// whole reconnect loop; a second concurrent Run is not supported.
type Provider struct {
	gatewayURL string
	apiKey     string
	store      *store.Store
	exec       *executor.Executor
	hist       *history.DB
	workflows  []string // explicit offer list; empty means all published

	// Overridable in tests for deterministic timing
	ReconnectDelay time.Duration

	events EventSink

	mu             sync.Mutex
	state          State
	connectedSince time.Time
	jobsCompleted  int64
	jobsFailed     int64
	currentJobID   string
}

// New creates a provider. hist may be nil to disable run logging;
// workflows may be empty to offer every published workflow.
func New(gatewayURL, apiKey string, st *store.Store, exec *executor.Executor, hist *history.DB, workflows []string) *Provider {
	return &Provider{
		gatewayURL:     gatewayURL,
		apiKey:         apiKey,
		store:          st,
		exec:           exec,
		hist:           hist,
		workflows:      workflows,
		ReconnectDelay: DefaultReconnectDelay,
		state:          StateDisconnected,
	}
}

// SetEvents attaches an event sink. Call before Run.
func (p *Provider) SetEvents(sink EventSink) { p.events = sink }

// Status returns the current provider state snapshot.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:         p.state.String(),
		GatewayURL:    p.gatewayURL,
		JobsCompleted: p.jobsCompleted,
		JobsFailed:    p.jobsFailed,
		CurrentJobID:  p.currentJobID,
	}
	if p.state == StateListening {
		st.ConnectedSince = p.connectedSince
	}
	return st
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	p.state = s
	if s == StateListening {
		p.connectedSince = time.Now()
	}
	p.mu.Unlock()
	p.publish("provider_state", map[string]string{"state": s.String()})
}

func (p *Provider) publish(event string, payload interface{}) {
	if p.events != nil {
		p.events.Publish(event, payload)
	}
}

// Run drives the connection until ctx is cancelled. Every exit path of
// a session funnels into the same fixed-delay reconnect wait; the wait
// itself is interruptible by ctx.
func (p *Provider) Run(ctx context.Context) {
	log := logger.With("provider")

	for {
		if ctx.Err() != nil {
			p.setState(StateDisconnected)
			return
		}

		err := p.session(ctx, log)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("gateway session ended")
		}

		p.setState(StateDisconnected)
		metrics.GatewayConnected.Set(0)

		if ctx.Err() != nil {
			return
		}
		metrics.GatewayReconnectsTotal.Inc()
		log.Info().Dur("delay", p.ReconnectDelay).Msg("reconnecting to gateway")

		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return
		case <-time.After(p.ReconnectDelay):
		}
	}
}

// session runs one full connection lifecycle: dial, upgrade, ready
// advertisement, then the listen loop.
func (p *Provider) session(ctx context.Context, log zerolog.Logger) error {
	p.setState(StateConnecting)
	conn, err := ws.Connect(p.gatewayURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Tear the socket down on shutdown so a blocked read ends now
	// rather than at its deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p.setState(StateHandshaking)
	if err := conn.Upgrade("/ws/provider?key=" + p.apiKey); err != nil {
		return err
	}
	p.setState(StateReady)

	ready := model.NewReady(p.offeredWorkflows(), p.detectGPU())
	if err := writeJSON(conn, ready); err != nil {
		return err
	}
	log.Info().Int("workflows", len(ready.Workflows)).Str("gpu", ready.GpuInfo.Name).
		Msg("connected to gateway")

	p.setState(StateListening)
	metrics.GatewayConnected.Set(1)

	return p.listen(ctx, conn, log)
}

// listen serves gateway messages until the session ends. Jobs execute
// synchronously, so results go back in the order jobs arrived.
func (p *Provider) listen(ctx context.Context, conn *ws.Conn, log zerolog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, ws.ErrClosed) {
				return errors.New("gateway closed the connection")
			}
			return err
		}

		msg, err := model.ParseInbound(payload)
		if err != nil {
			log.Warn().Err(err).Msg("malformed gateway message, dropping connection")
			return err
		}

		switch m := msg.(type) {
		case *model.Ping:
			if err := writeJSON(conn, model.NewPong()); err != nil {
				return err
			}
		case *model.Job:
			p.handleJob(ctx, conn, m, log)
		}
	}
}

// handleJob runs one job and reports the outcome. Result delivery
// failures end up surfacing on the next read, so they are only logged.
func (p *Provider) handleJob(ctx context.Context, conn *ws.Conn, job *model.Job, log zerolog.Logger) {
	started := time.Now()
	metrics.JobsReceivedTotal.Inc()

	p.mu.Lock()
	p.currentJobID = job.JobID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.currentJobID = ""
		p.mu.Unlock()
	}()

	log.Info().Str("job_id", job.JobID).Str("workflow_id", job.WorkflowID).Msg("job received")
	p.publish("job_started", map[string]string{"jobId": job.JobID, "workflowId": job.WorkflowID})

	// Immediate acknowledgement before any backend work
	writeJSON(conn, model.NewProgress(job.JobID, 0.05))

	report := func(v float64) {
		rounded := math.Round(v*1000) / 1000
		writeJSON(conn, model.NewProgress(job.JobID, rounded))
	}

	result, err := p.exec.Execute(ctx, job, report)
	duration := time.Since(started)
	metrics.JobDuration.Observe(duration.Seconds())

	if err != nil {
		metrics.JobsFailedTotal.Inc()
		p.mu.Lock()
		p.jobsFailed++
		p.mu.Unlock()

		log.Warn().Str("job_id", job.JobID).Err(err).Msg("job failed")
		p.logRun(&history.Record{
			WorkflowID: job.WorkflowID,
			Source:     history.SourceGateway,
			Status:     "failed",
			Error:      err.Error(),
			DurationMS: duration.Milliseconds(),
		})
		p.publish("job_failed", map[string]string{"jobId": job.JobID, "error": err.Error()})

		if werr := writeJSON(conn, model.NewFailed(job.JobID, err.Error())); werr != nil {
			log.Warn().Err(werr).Msg("failed to deliver job failure")
		}
		return
	}

	metrics.JobsCompletedTotal.Inc()
	p.mu.Lock()
	p.jobsCompleted++
	p.mu.Unlock()

	p.logRun(&history.Record{
		PromptID:   result.PromptID,
		WorkflowID: job.WorkflowID,
		Source:     history.SourceGateway,
		Status:     "complete",
		OutputType: result.OutputType,
		DurationMS: duration.Milliseconds(),
	})
	p.publish("job_complete", map[string]interface{}{
		"jobId":      job.JobID,
		"outputType": result.OutputType,
		"durationMs": duration.Milliseconds(),
	})

	output := base64.StdEncoding.EncodeToString(result.Output)
	complete := model.NewComplete(job.JobID, output, result.OutputType, result.ResolvedSeeds)
	if werr := writeJSON(conn, complete); werr != nil {
		log.Warn().Err(werr).Msg("failed to deliver job result")
	}
}

// offeredWorkflows resolves the workflow list advertised on connect,
// recomputed on every reconnect so edits take effect without a restart.
func (p *Provider) offeredWorkflows() []string {
	if len(p.workflows) > 0 {
		return p.workflows
	}
	ids := p.store.PublishedWorkflowIDs()
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// detectGPU queries the default backend server for its first device.
// Detection failures degrade to a zero-valued advertisement.
func (p *Provider) detectGPU() model.GpuInfo {
	srv, ok := p.store.DefaultServer()
	if !ok {
		return model.GpuInfo{Name: "Unknown GPU"}
	}

	client := comfy.NewClient(srv.URL, srv.APIKey)
	stats, err := client.SystemStats()
	if err != nil || len(stats.Devices) == 0 {
		lg := logger.With("provider")
		lg.Debug().Err(err).Msg("gpu detection failed")
		return model.GpuInfo{Name: "Unknown GPU"}
	}

	dev := stats.Devices[0]
	return model.GpuInfo{
		Name:        dev.Name,
		VRAMTotalGB: roundGB(dev.VRAMTotal),
		VRAMFreeGB:  roundGB(dev.VRAMFree),
	}
}

// roundGB converts bytes to gigabytes rounded to one decimal.
func roundGB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1<<30)*10) / 10
}

func (p *Provider) logRun(rec *history.Record) {
	if p.hist == nil {
		return
	}
	if err := p.hist.Insert(rec); err != nil {
		lg := logger.With("provider")
		lg.Warn().Err(err).Msg("run log insert failed")
	}
}

func writeJSON(conn *ws.Conn, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(raw)
}
