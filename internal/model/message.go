package model

import (
	"encoding/json"
	"fmt"
)

// MsgType represents the gateway WebSocket message type
type MsgType string

const (
	// Gateway → Provider
	MsgTypePing MsgType = "ping"
	MsgTypeJob  MsgType = "job"

	// Provider → Gateway
	MsgTypeReady    MsgType = "ready"
	MsgTypePong     MsgType = "pong"
	MsgTypeProgress MsgType = "progress"
	MsgTypeComplete MsgType = "complete"
	MsgTypeFailed   MsgType = "failed"
)

// GpuInfo describes the local GPU capability advertised at connect time.
type GpuInfo struct {
	Name        string  `json:"name"`
	VRAMTotalGB float64 `json:"vramTotalGB"`
	VRAMFreeGB  float64 `json:"vramFreeGB"`
}

// Ready is sent once after a successful handshake, advertising the
// workflows this provider offers.
type Ready struct {
	Type      MsgType  `json:"type"`
	Workflows []string `json:"workflows"`
	GpuInfo   GpuInfo  `json:"gpuInfo"`
}

// Ping is a gateway-level liveness probe.
type Ping struct {
	Type MsgType `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type MsgType `json:"type"`
}

// Job is a work request dispatched by the gateway. Inputs are keyed by
// "nodeId.field".
type Job struct {
	Type       MsgType                `json:"type"`
	JobID      string                 `json:"jobId"`
	WorkflowID string                 `json:"workflowId"`
	Inputs     map[string]interface{} `json:"inputs"`
}

// Progress reports normalized execution progress in [0,1] for a job.
type Progress struct {
	Type     MsgType `json:"type"`
	JobID    string  `json:"jobId"`
	Progress float64 `json:"progress"`
}

// Complete carries a finished job's output back to the gateway.
type Complete struct {
	Type          MsgType          `json:"type"`
	JobID         string           `json:"jobId"`
	Output        string           `json:"output"` // base64
	OutputType    string           `json:"outputType"`
	ResolvedSeeds map[string]int64 `json:"resolvedSeeds,omitempty"`
}

// Failed reports a job failure with a human-readable reason.
type Failed struct {
	Type  MsgType `json:"type"`
	JobID string  `json:"jobId"`
	Error string  `json:"error"`
}

// Inbound is the closed set of messages the gateway may send.
type Inbound interface {
	inbound()
}

func (*Ping) inbound() {}
func (*Job) inbound()  {}

// ParseInbound decodes one gateway message into its typed variant.
// Unknown or malformed messages are an error; the connection treats
// them as a protocol violation.
func ParseInbound(data []byte) (Inbound, error) {
	var env struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	switch env.Type {
	case MsgTypePing:
		var msg Ping
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad ping payload: %w", err)
		}
		return &msg, nil

	case MsgTypeJob:
		var msg Job
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad job payload: %w", err)
		}
		if msg.JobID == "" {
			return nil, fmt.Errorf("job message missing jobId")
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// NewReady builds the ready advertisement.
func NewReady(workflows []string, gpu GpuInfo) *Ready {
	return &Ready{Type: MsgTypeReady, Workflows: workflows, GpuInfo: gpu}
}

// NewPong builds the answer to a gateway ping.
func NewPong() *Pong {
	return &Pong{Type: MsgTypePong}
}

// NewProgress builds a progress report for a job.
func NewProgress(jobID string, progress float64) *Progress {
	return &Progress{Type: MsgTypeProgress, JobID: jobID, Progress: progress}
}

// NewComplete builds a successful job result.
func NewComplete(jobID, output, outputType string, seeds map[string]int64) *Complete {
	return &Complete{
		Type:          MsgTypeComplete,
		JobID:         jobID,
		Output:        output,
		OutputType:    outputType,
		ResolvedSeeds: seeds,
	}
}

// NewFailed builds a failed job result.
func NewFailed(jobID, reason string) *Failed {
	return &Failed{Type: MsgTypeFailed, JobID: jobID, Error: reason}
}
