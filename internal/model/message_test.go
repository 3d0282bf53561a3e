package model

import (
	"encoding/json"
	"testing"
)

func TestParseInboundPing(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if _, ok := msg.(*Ping); !ok {
		t.Fatalf("msg = %T, want *Ping", msg)
	}
}

func TestParseInboundJob(t *testing.T) {
	raw := `{"type":"job","jobId":"j-1","workflowId":"wf-1","inputs":{"5.text":"a cat"}}`
	msg, err := ParseInbound([]byte(raw))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}

	job, ok := msg.(*Job)
	if !ok {
		t.Fatalf("msg = %T, want *Job", msg)
	}
	if job.JobID != "j-1" || job.WorkflowID != "wf-1" {
		t.Errorf("job = %+v", job)
	}
	if job.Inputs["5.text"] != "a cat" {
		t.Errorf("inputs = %v", job.Inputs)
	}
}

func TestParseInboundRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"unknown type", `{"type":"shutdown"}`},
		{"job without id", `{"type":"job","workflowId":"wf-1"}`},
		{"empty", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseInbound([]byte(tc.raw)); err == nil {
				t.Errorf("ParseInbound(%q) accepted, want error", tc.raw)
			}
		})
	}
}

func TestOutboundShapes(t *testing.T) {
	ready := NewReady([]string{"wf-1"}, GpuInfo{Name: "RTX 4090", VRAMTotalGB: 24, VRAMFreeGB: 22.5})
	raw, err := json.Marshal(ready)
	if err != nil {
		t.Fatalf("marshal ready: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "ready" {
		t.Errorf("type = %v", decoded["type"])
	}
	gpu, ok := decoded["gpuInfo"].(map[string]interface{})
	if !ok {
		t.Fatal("gpuInfo missing")
	}
	if gpu["vramTotalGB"] != 24.0 {
		t.Errorf("vramTotalGB = %v", gpu["vramTotalGB"])
	}

	failed, _ := json.Marshal(NewFailed("j-1", "no output files"))
	if string(failed) != `{"type":"failed","jobId":"j-1","error":"no output files"}` {
		t.Errorf("failed = %s", failed)
	}

	progress, _ := json.Marshal(NewProgress("j-1", 0.25))
	if string(progress) != `{"type":"progress","jobId":"j-1","progress":0.25}` {
		t.Errorf("progress = %s", progress)
	}
}
