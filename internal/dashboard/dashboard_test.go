package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/comfyclaw/node/internal/batch"
	"github.com/comfyclaw/node/internal/executor"
	"github.com/comfyclaw/node/internal/pipeline"
	"github.com/comfyclaw/node/internal/provider"
	"github.com/comfyclaw/node/internal/store"
)

func newTestDashboard(t *testing.T) (*Dashboard, *gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	prov := provider.New("http://gateway.invalid", "ccn_sk_test", st, executor.New(st), nil, nil)
	d := New(st, nil, prov, pipeline.New(st, nil), batch.New(st, nil))

	r := gin.New()
	d.registerRoutes(r)
	return d, r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndStatus(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	w := doJSON(t, r, "GET", "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["state"] != "disconnected" {
		t.Errorf("state = %v", status["state"])
	}
}

func TestServerEndpoints(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	w := doJSON(t, r, "POST", "/api/servers", map[string]interface{}{
		"name": "local", "url": "http://localhost:8188", "isDefault": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add server = %d: %s", w.Code, w.Body)
	}
	var srv store.Server
	json.Unmarshal(w.Body.Bytes(), &srv)
	if srv.ID == "" {
		t.Fatal("no server id")
	}

	w = doJSON(t, r, "POST", "/api/servers", map[string]interface{}{"name": "broken"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("server without url = %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/servers", nil)
	var servers []store.Server
	json.Unmarshal(w.Body.Bytes(), &servers)
	if len(servers) != 1 {
		t.Errorf("servers = %v", servers)
	}

	w = doJSON(t, r, "DELETE", "/api/servers/"+srv.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
}

func TestWorkflowImportDetectsNodes(t *testing.T) {
	_, r, st := newTestDashboard(t)
	srv, _ := st.AddServer(store.Server{Name: "local", URL: "http://localhost:8188"})

	w := doJSON(t, r, "POST", "/api/workflows", map[string]interface{}{
		"title":     "SDXL",
		"serverRef": srv.ID,
		"workflowJson": map[string]interface{}{
			"3": map[string]interface{}{
				"class_type": "KSampler",
				"inputs":     map[string]interface{}{"seed": -1, "steps": 20},
			},
			"9": map[string]interface{}{
				"class_type": "SaveImage",
				"inputs":     map[string]interface{}{},
			},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("import = %d: %s", w.Code, w.Body)
	}

	var wf store.Workflow
	json.Unmarshal(w.Body.Bytes(), &wf)
	if len(wf.SecondaryInputNodes) != 2 {
		t.Errorf("detected inputs = %d", len(wf.SecondaryInputNodes))
	}
	if len(wf.PrimaryOutputNodes) != 1 || wf.PrimaryOutputNodes[0].NodeID != "9" {
		t.Errorf("detected outputs = %+v", wf.PrimaryOutputNodes)
	}

	// Publish flow feeds the provider's advertisement list.
	w = doJSON(t, r, "POST", "/api/workflows/"+wf.ID+"/publish", map[string]bool{"published": true})
	if w.Code != http.StatusOK {
		t.Fatalf("publish = %d", w.Code)
	}
	if ids := st.PublishedWorkflowIDs(); len(ids) != 1 || ids[0] != wf.ID {
		t.Errorf("published = %v", ids)
	}
}

func TestWorkflowImportRejectsBadServerRef(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	w := doJSON(t, r, "POST", "/api/workflows", map[string]interface{}{
		"title":        "orphan",
		"serverRef":    "missing",
		"workflowJson": map[string]interface{}{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("import = %d, want 400", w.Code)
	}
}

func TestPipelineRunEndpoints(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	// Unknown saved pipeline.
	w := doJSON(t, r, "POST", "/api/pipeline-runs", map[string]interface{}{"pipelineId": "nope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown pipeline = %d", w.Code)
	}

	// Inline steps with a missing workflow still start; the failure
	// shows up in the run state.
	w = doJSON(t, r, "POST", "/api/pipeline-runs", map[string]interface{}{
		"steps": []map[string]interface{}{{"workflowId": "missing"}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start = %d: %s", w.Code, w.Body)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["pipelineId"] == "" {
		t.Fatal("no pipeline id")
	}

	w = doJSON(t, r, "GET", "/api/pipeline-runs/"+resp["pipelineId"], nil)
	if w.Code != http.StatusOK {
		t.Errorf("get run = %d", w.Code)
	}
}

func TestBatchEndpointValidation(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	w := doJSON(t, r, "POST", "/api/batches", map[string]interface{}{"variations": 3})
	if w.Code != http.StatusBadRequest {
		t.Errorf("batch without workflow = %d", w.Code)
	}

	w = doJSON(t, r, "POST", "/api/batches", map[string]interface{}{"workflowId": "missing", "variations": 3})
	if w.Code != http.StatusBadRequest {
		t.Errorf("batch with unknown workflow = %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/batches/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown batch = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, r, _ := newTestDashboard(t)

	w := doJSON(t, r, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("comfyclaw_")) {
		t.Error("metrics output missing comfyclaw_ series")
	}
}
