package comfy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitPrompt(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["prompt"]; !ok {
			t.Error("request body missing prompt key")
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-123"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	promptID, err := client.SubmitPrompt(Graph{"1": map[string]interface{}{}})
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if promptID != "p-123" {
		t.Errorf("promptID = %q", promptID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSubmitPromptMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").SubmitPrompt(Graph{}); err == nil {
		t.Fatal("empty prompt_id accepted")
	}
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p-123" {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"p-123":{"status":{"completed":true},"outputs":{"9":{"images":[{"filename":"a.png","type":"output"}]}}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	entry, found, err := client.History("p-123")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !found || !entry.Status.Completed {
		t.Fatalf("found=%v entry=%+v", found, entry)
	}
	if len(entry.Outputs["9"].Images) != 1 {
		t.Errorf("outputs = %+v", entry.Outputs)
	}

	_, found, err = client.History("p-unknown")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if found {
		t.Error("unknown prompt reported as found")
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("filename") != "a.png" || q.Get("type") != "output" || q.Get("subfolder") != "img" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	data, err := NewClient(srv.URL, "").Download(OutputItem{Filename: "a.png", Subfolder: "img", Kind: "output"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "PNGDATA" {
		t.Errorf("data = %q", data)
	}
}

func TestSystemStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"devices":[{"name":"NVIDIA RTX 4090","vram_total":25757220864,"vram_free":24000000000}]}`))
	}))
	defer srv.Close()

	stats, err := NewClient(srv.URL, "").SystemStats()
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	if len(stats.Devices) != 1 || stats.Devices[0].Name != "NVIDIA RTX 4090" {
		t.Errorf("stats = %+v", stats)
	}
}
