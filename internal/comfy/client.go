package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// Per-request timeout for submit/status calls
	HTTPTimeout = 15 * time.Second

	// Output downloads can be large (video)
	DownloadTimeout = 60 * time.Second
)

// Client talks to one ComfyUI server over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dlClient   *http.Client
}

// NewClient creates a client for the given server base URL. apiKey may
// be empty for unauthenticated servers.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: HTTPTimeout},
		dlClient:   &http.Client{Timeout: DownloadTimeout},
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// APIKey returns the bearer token configured for this server.
func (c *Client) APIKey() string { return c.apiKey }

func (c *Client) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := c.newRequest(method, path, reader)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitPrompt queues a job graph and returns the prompt id assigned by
// the server.
func (c *Client) SubmitPrompt(graph Graph) (string, error) {
	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.doJSON("POST", "/prompt", map[string]interface{}{"prompt": graph}, &resp); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("submit prompt: no prompt_id in response")
	}
	return resp.PromptID, nil
}

// HistoryStatus is the completion flag of a history entry.
type HistoryStatus struct {
	Completed bool `json:"completed"`
}

// HistoryEntry is one prompt's record in the server history.
type HistoryEntry struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History fetches the history entry for a prompt id. The boolean is
// false while the prompt has not entered history yet.
func (c *Client) History(promptID string) (*HistoryEntry, bool, error) {
	var resp map[string]HistoryEntry
	if err := c.doJSON("GET", "/history/"+promptID, nil, &resp); err != nil {
		return nil, false, fmt.Errorf("fetch history: %w", err)
	}
	entry, ok := resp[promptID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Download fetches the raw bytes of one produced output file.
func (c *Client) Download(item OutputItem) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", item.Filename)
	params.Set("type", item.Kind)
	if item.Subfolder != "" {
		params.Set("subfolder", item.Subfolder)
	}

	req, err := c.newRequest("GET", "/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.dlClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download output: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Device is one GPU reported by the server.
type Device struct {
	Name      string `json:"name"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// SystemStats is the server hardware report.
type SystemStats struct {
	Devices []Device `json:"devices"`
}

// SystemStats fetches the server hardware report, used both as a
// connectivity test and for GPU capability detection.
func (c *Client) SystemStats() (*SystemStats, error) {
	var stats SystemStats
	if err := c.doJSON("GET", "/system_stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Upload forwards a multipart upload body to the server's image upload
// endpoint and returns the raw JSON response.
func (c *Client) Upload(contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest("POST", c.baseURL+"/upload/image", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.dlClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
