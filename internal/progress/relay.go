package progress

import (
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/ws"
)

const (
	// Overall budget for one relay session
	trackTimeout = 10 * time.Minute

	// Short read timeout so the loop can check the overall budget
	readTimeout = 2 * time.Second
)

// Relay observes one prompt's execution events on the backend's
// WebSocket endpoint and reports normalized progress in [0,1].
// It is best-effort telemetry: every failure path ends the relay
// silently and never affects the job it observes.
type Relay struct {
	serverURL string
	apiKey    string
	promptID  string
	clientID  string
	report    func(float64)
}

// New builds a relay for one prompt. report is invoked from the
// relay's own goroutine.
func New(serverURL, apiKey, promptID, jobID string, report func(float64)) *Relay {
	suffix := jobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return &Relay{
		serverURL: serverURL,
		apiKey:    apiKey,
		promptID:  promptID,
		clientID:  "provider-" + suffix,
		report:    report,
	}
}

// event is the subset of backend execution events the relay reads.
type event struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Value    float64 `json:"value"`
		Max      float64 `json:"max"`
	} `json:"data"`
}

// Track runs the relay until the tracked prompt finishes executing,
// the session closes, or the overall budget expires. Call it in its
// own goroutine.
func (r *Relay) Track() {
	log := logger.With("progress")

	query := url.Values{}
	query.Set("clientId", r.clientID)
	if r.apiKey != "" {
		query.Set("token", r.apiKey)
	}

	conn, err := ws.Dial(r.serverURL, "/ws?"+query.Encode())
	if err != nil {
		log.Debug().Err(err).Str("prompt_id", r.promptID).Msg("relay connect failed")
		return
	}
	defer conn.Close()

	deadline := time.Now().Add(trackTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, ws.ErrClosed) {
				log.Debug().Err(err).Str("prompt_id", r.promptID).Msg("relay read error")
			}
			return
		}

		var ev event
		if err := json.Unmarshal(payload, &ev); err != nil {
			// Binary preview blobs and other non-JSON traffic
			continue
		}
		if ev.Data.PromptID != "" && ev.Data.PromptID != r.promptID {
			continue
		}

		switch ev.Type {
		case "progress":
			if ev.Data.Max > 0 {
				r.report(ev.Data.Value / ev.Data.Max)
			} else {
				r.report(0)
			}
		case "executed":
			return
		}
	}
}
