package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/podiumlabs/podium/internal/debate"
)

// Status is a participant's transient state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusSpeaking Status = "speaking"
	StatusUserTurn Status = "user-turn"
)

// Participant is a named seat in the active format's roster.
type Participant struct {
	Role   string `json:"role"`
	Label  string `json:"label"`
	IsUser bool   `json:"is_user"`
	Status Status `json:"status"`
}

// Registry tracks the per-seat statuses for one session. Statuses are
// derived from three fields so the invariants hold by construction: at most
// one speaker, at most one thinker, user-turn only on the human seat.
type Registry struct {
	mu            sync.RWMutex
	seats         []debate.Seat
	userRole      string
	activeSpeaker string
	thinkingAgent string
	userTurn      bool

	log           *slog.Logger
	meter         metric.Meter
	speakingGauge metric.Int64ObservableGauge
	turnGauge     metric.Int64ObservableGauge
}

func New(format debate.Format, userRole string, log *slog.Logger) *Registry {
	r := &Registry{
		seats:    format.Roster(),
		userRole: userRole,
		log:      log.With(slog.String("component", "roster")),
		meter:    otel.Meter("github.com/podiumlabs/podium/roster"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize roster metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) initMetrics() error {
	var err error
	r.speakingGauge, err = r.meter.Int64ObservableGauge("podium.roster.speaking",
		metric.WithDescription("1 while any participant is speaking"))
	if err != nil {
		return err
	}
	r.turnGauge, err = r.meter.Int64ObservableGauge("podium.roster.user_turn",
		metric.WithDescription("1 while the human holds the turn"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.RLock()
		speaker := r.activeSpeaker
		turn := r.userTurn
		r.mu.RUnlock()
		if speaker != "" {
			o.ObserveInt64(r.speakingGauge, 1, metric.WithAttributes(attribute.String("role", speaker)))
		} else {
			o.ObserveInt64(r.speakingGauge, 0)
		}
		var t int64
		if turn {
			t = 1
		}
		o.ObserveInt64(r.turnGauge, t)
		return nil
	}, r.speakingGauge, r.turnGauge)
	return err
}

// Apply replaces the derived status fields wholesale. Passing an unknown
// speaker role is rejected so a stray event cannot invent a participant.
func (r *Registry) Apply(activeSpeaker, thinkingAgent string, userTurn bool) error {
	if activeSpeaker != "" && !r.knownRole(activeSpeaker) {
		return fmt.Errorf("unknown speaker role %q", activeSpeaker)
	}
	if thinkingAgent != "" && !r.knownRole(thinkingAgent) {
		return fmt.Errorf("unknown thinking role %q", thinkingAgent)
	}
	r.mu.Lock()
	r.activeSpeaker = activeSpeaker
	r.thinkingAgent = thinkingAgent
	r.userTurn = userTurn
	r.mu.Unlock()
	return nil
}

// Clear resets every seat to idle.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.activeSpeaker = ""
	r.thinkingAgent = ""
	r.userTurn = false
	r.mu.Unlock()
}

// Snapshot returns the roster with current statuses, in roster order.
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.seats))
	for _, seat := range r.seats {
		p := Participant{
			Role:   seat.Role,
			Label:  seat.Label,
			IsUser: seat.Role == r.userRole,
			Status: StatusIdle,
		}
		switch {
		case seat.Role == r.activeSpeaker:
			p.Status = StatusSpeaking
		case seat.Role == r.thinkingAgent:
			p.Status = StatusThinking
		case p.IsUser && r.userTurn:
			p.Status = StatusUserTurn
		}
		out = append(out, p)
	}
	return out
}

func (r *Registry) knownRole(role string) bool {
	for _, seat := range r.seats {
		if seat.Role == role {
			return true
		}
	}
	return false
}
