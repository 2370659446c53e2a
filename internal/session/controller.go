package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/podiumlabs/podium/internal/capture"
	"github.com/podiumlabs/podium/internal/debate"
	"github.com/podiumlabs/podium/internal/gateway"
	"github.com/podiumlabs/podium/internal/journal"
	"github.com/podiumlabs/podium/internal/playback"
)

// LeaveState tracks the two-step leave confirmation. Debate progress is
// irrecoverable once left, so teardown never happens on the first request.
type LeaveState string

const (
	LeaveNone      LeaveState = "none"
	LeavePending   LeaveState = "pending"
	LeaveConfirmed LeaveState = "confirmed"
)

// FeedbackState tracks the one-shot feedback retrieval.
type FeedbackState string

const (
	FeedbackNotRequested FeedbackState = "not_requested"
	FeedbackLoading      FeedbackState = "loading"
	FeedbackReady        FeedbackState = "ready"
	FeedbackFailed       FeedbackState = "failed"
)

// Feedback is the retrieval outcome exposed to the HTTP surface.
type Feedback struct {
	State  FeedbackState   `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Controller owns the session lifecycle: opening the connection, the
// guarded leave sequence, and post-session feedback retrieval.
type Controller struct {
	session  debate.Session
	gw       *gateway.Client
	engine   *playback.Engine
	capture  *capture.Controller
	journal  *journal.Store
	httpBase string
	client   *http.Client
	log      *slog.Logger

	mu       sync.Mutex
	leave    LeaveState
	feedback Feedback
}

func NewController(session debate.Session, gw *gateway.Client, engine *playback.Engine, cap *capture.Controller, store *journal.Store, httpBase string, log *slog.Logger) *Controller {
	return &Controller{
		session:  session,
		gw:       gw,
		engine:   engine,
		capture:  cap,
		journal:  store,
		httpBase: httpBase,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log.With(slog.String("component", "session")),
		leave:    LeaveNone,
		feedback: Feedback{State: FeedbackNotRequested},
	}
}

// Start records the session in the journal and opens the connection.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.journal.BeginSession(ctx, c.session.ClientID, string(c.session.Format), c.session.Role); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if err := c.gw.Dial(ctx); err != nil {
		return fmt.Errorf("open session connection: %w", err)
	}
	c.log.Info("session started",
		slog.String("client_id", c.session.ClientID),
		slog.String("format", string(c.session.Format)),
		slog.String("role", c.session.Role))
	return nil
}

// RequestLeave arms the confirmation step. No teardown happens here.
func (c *Controller) RequestLeave() LeaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leave == LeaveNone {
		c.leave = LeavePending
	}
	return c.leave
}

// CancelLeave dismisses a pending confirmation.
func (c *Controller) CancelLeave() LeaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leave == LeavePending {
		c.leave = LeaveNone
	}
	return c.leave
}

// ConfirmLeave tears the session down: playback first so no caption timer
// outlives the session, then capture so the device is released, then the
// connection. Redundant calls are no-ops.
func (c *Controller) ConfirmLeave() LeaveState {
	c.mu.Lock()
	if c.leave == LeaveConfirmed {
		c.mu.Unlock()
		return LeaveConfirmed
	}
	c.leave = LeaveConfirmed
	c.mu.Unlock()

	c.engine.Stop()
	c.capture.Stop()
	c.gw.Close()
	c.log.Info("session left", slog.String("client_id", c.session.ClientID))
	return LeaveConfirmed
}

// Leave runs the full sequence unconditionally. Used at daemon shutdown,
// where the process exit is the confirmation.
func (c *Controller) Leave() {
	c.RequestLeave()
	c.ConfirmLeave()
}

// LeaveStatus returns the current leave state.
func (c *Controller) LeaveStatus() LeaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leave
}

// RequestFeedback posts the client identifier to the feedback endpoint and
// stores the outcome. It is re-invocable and does not require the session
// connection to be open; concluded sessions may still ask for feedback.
func (c *Controller) RequestFeedback(ctx context.Context) Feedback {
	c.mu.Lock()
	if c.feedback.State == FeedbackLoading {
		out := c.feedback
		c.mu.Unlock()
		return out
	}
	c.feedback = Feedback{State: FeedbackLoading}
	c.mu.Unlock()

	result, err := c.fetchFeedback(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("feedback retrieval failed", slog.String("error", err.Error()))
		c.feedback = Feedback{State: FeedbackFailed, Error: err.Error()}
	} else {
		c.feedback = Feedback{State: FeedbackReady, Result: result}
	}
	return c.feedback
}

// FeedbackStatus returns the last feedback outcome without issuing a request.
func (c *Controller) FeedbackStatus() Feedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedback
}

func (c *Controller) fetchFeedback(ctx context.Context) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"clientId": c.session.ClientID})
	if err != nil {
		return nil, fmt.Errorf("encode feedback request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+"/api/get-feedback", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feedback: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feedback response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The endpoint reports failures as {"error": "..."} payloads.
		var remote struct {
			Error string `json:"error"`
		}
		if jerr := json.Unmarshal(body, &remote); jerr == nil && remote.Error != "" {
			return nil, fmt.Errorf("feedback endpoint: %s", remote.Error)
		}
		return nil, fmt.Errorf("feedback endpoint: unexpected status %d", resp.StatusCode)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("feedback endpoint: malformed response body")
	}
	return json.RawMessage(body), nil
}
