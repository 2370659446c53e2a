package turn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/capture"
	"github.com/podiumlabs/podium/internal/debate"
	"github.com/podiumlabs/podium/internal/gateway"
	"github.com/podiumlabs/podium/internal/playback"
	"github.com/podiumlabs/podium/internal/protocol"
	"github.com/podiumlabs/podium/internal/roster"
)

// User-facing captions for local conditions.
const (
	noticeWarming    = "Connecting microphone, please wait."
	noticeReady      = "Microphone is live. You may begin speaking."
	noticeMicFailure = "Could not access microphone. Please check permissions."
	noticeStall      = "Connection error. Please restart the session."
	noticeConcluded  = "The debate has concluded. You may now request feedback."
)

type eventKind int

const (
	evInbound eventKind = iota
	evCaption
	evPlaybackDone
	evGatewayClosed
	evStartRecording
	evStopRecording
)

type event struct {
	kind    eventKind
	inbound *protocol.Inbound
	caption *protocol.CaptionUpdate
	done    *protocol.PlaybackFinished
}

// Snapshot is a read-only view of the session for the HTTP surface.
type Snapshot struct {
	ClientID     string               `json:"client_id"`
	Topic        string               `json:"topic"`
	Format       debate.Format        `json:"format"`
	Role         string               `json:"role"`
	Phase        debate.Phase         `json:"phase"`
	Caption      string               `json:"caption"`
	Participants []roster.Participant `json:"participants"`
	Transcript   []debate.Entry       `json:"transcript"`
}

// Machine is the authoritative local model of whose turn it is. All state
// transitions happen inside its run loop, one event at a time: inbound
// orchestrator messages, local playback/caption signals, and user commands
// are funneled through a single channel, so no two transitions race.
type Machine struct {
	session debate.Session
	bus     *bus.Client
	roster  *roster.Registry
	capture *capture.Controller
	engine  *playback.Engine
	log     *slog.Logger

	meter       metric.Meter
	transitions metric.Int64Counter

	mu    sync.RWMutex
	state *debate.State

	events chan event
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

func NewMachine(parent context.Context, session debate.Session, busClient *bus.Client, reg *roster.Registry, cap *capture.Controller, engine *playback.Engine, log *slog.Logger) *Machine {
	ctx, cancel := context.WithCancel(parent)
	m := &Machine{
		session: session,
		bus:     busClient,
		roster:  reg,
		capture: cap,
		engine:  engine,
		log:     log.With(slog.String("component", "turn-machine")),
		meter:   otel.Meter("github.com/podiumlabs/podium/turn"),
		state:   debate.NewState(),
		events:  make(chan event, 64),
		ctx:     ctx,
		cancel:  cancel,
		clock:   time.Now,
	}
	var err error
	if m.transitions, err = m.meter.Int64Counter("podium.turn.events",
		metric.WithDescription("turn machine events applied, by type")); err != nil {
		m.log.Warn("failed to initialize turn metrics", slog.String("error", err.Error()))
	}
	return m
}

// Start subscribes to the session subjects and begins the run loop.
func (m *Machine) Start() error {
	type sub struct {
		subject string
		handle  func(*nats.Msg)
	}
	for _, s := range []sub{
		{protocol.SubjectInboundEvent, m.onInbound},
		{protocol.SubjectCaption, m.onCaption},
		{protocol.SubjectPlaybackDone, m.onPlaybackDone},
		{protocol.SubjectGatewayClosed, m.onGatewayClosed},
	} {
		ns, err := m.bus.Conn().Subscribe(s.subject, s.handle)
		if err != nil {
			for _, prev := range m.subs {
				_ = prev.Drain()
			}
			return err
		}
		m.subs = append(m.subs, ns)
	}

	m.wg.Add(1)
	go m.run()
	return nil
}

// Close stops the run loop and drops the subscriptions.
func (m *Machine) Close() {
	m.cancel()
	for _, s := range m.subs {
		_ = s.Drain()
	}
	m.wg.Wait()
}

// StartRecording asks for the microphone. Processed in the run loop like
// every other transition.
func (m *Machine) StartRecording() {
	m.enqueue(event{kind: evStartRecording})
}

// StopRecording halts capture and resets the recording status. Safe to call
// at any time, in any state.
func (m *Machine) StopRecording() {
	m.enqueue(event{kind: evStopRecording})
}

// Snapshot returns a copy of the current session view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	transcript := make([]debate.Entry, len(m.state.Transcript))
	copy(transcript, m.state.Transcript)
	snap := Snapshot{
		ClientID:   m.session.ClientID,
		Topic:      m.session.Topic,
		Format:     m.session.Format,
		Role:       m.session.Role,
		Phase:      m.state.Phase,
		Caption:    m.state.Caption,
		Transcript: transcript,
	}
	m.mu.RUnlock()
	snap.Participants = m.roster.Snapshot()
	return snap
}

func (m *Machine) enqueue(evt event) {
	select {
	case m.events <- evt:
	case <-m.ctx.Done():
	}
}

func (m *Machine) onInbound(msg *nats.Msg) {
	var evt protocol.Inbound
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		m.log.Warn("dropping undecodable inbound event", slog.String("error", err.Error()))
		return
	}
	m.enqueue(event{kind: evInbound, inbound: &evt})
}

func (m *Machine) onCaption(msg *nats.Msg) {
	var upd protocol.CaptionUpdate
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		return
	}
	m.enqueue(event{kind: evCaption, caption: &upd})
}

func (m *Machine) onPlaybackDone(msg *nats.Msg) {
	var done protocol.PlaybackFinished
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		return
	}
	m.enqueue(event{kind: evPlaybackDone, done: &done})
}

func (m *Machine) onGatewayClosed(_ *nats.Msg) {
	m.enqueue(event{kind: evGatewayClosed})
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case evt := <-m.events:
			m.apply(evt)
		}
	}
}

func (m *Machine) apply(evt event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch evt.kind {
	case evInbound:
		m.applyInbound(evt.inbound)
	case evCaption:
		// Subjects are ordered independently on the bus, so a window from a
		// superseded utterance can still trail in. Only the in-flight
		// session's captions are shown.
		if m.state.PlaybackSession != "" && evt.caption.SessionID == m.state.PlaybackSession {
			m.state.Caption = evt.caption.Text
		}
	case evPlaybackDone:
		m.applyPlaybackDone(evt.done)
	case evGatewayClosed:
		if m.state.Phase != debate.PhaseConcluded {
			m.state.Caption = noticeStall
		}
	case evStartRecording:
		m.applyStartRecording()
	case evStopRecording:
		m.applyStopRecording()
	}
	m.syncRoster()
}

func (m *Machine) applyInbound(evt *protocol.Inbound) {
	m.count(evt.Type)
	// Concluded is terminal; only an explicit leave tears the session down.
	if m.state.Phase == debate.PhaseConcluded {
		return
	}
	switch evt.Type {
	case protocol.TypeSTTReady:
		if m.capture.Activate() {
			m.state.Phase = debate.PhaseUserRecording
			m.state.Caption = noticeReady
		}

	case protocol.TypeAgentThinking:
		m.engine.Stop()
		m.state.PlaybackSession = ""
		m.state.ThinkingAgent = evt.Assistant
		m.state.ActiveSpeaker = ""
		m.state.UserTurn = false
		m.state.Phase = debate.PhaseAgentThinking

	case protocol.TypeUserTurn:
		m.state.ThinkingAgent = ""
		m.state.ActiveSpeaker = ""
		m.state.UserTurn = true
		m.state.Phase = debate.PhaseUserTurn

	case protocol.TypeImmediatePlayback:
		// Play cancels any in-flight utterance's timers and audio before
		// the new one starts.
		m.state.ThinkingAgent = ""
		m.state.ActiveSpeaker = evt.Assistant
		m.state.PlaybackSession = evt.SessionID
		m.state.Phase = debate.PhaseAgentSpeaking
		m.state.AppendAgent(evt.Assistant, evt.Response, m.clock())
		m.engine.Play(playback.Utterance{
			SessionID: evt.SessionID,
			Assistant: evt.Assistant,
			Text:      evt.Response,
		})

	case protocol.TypeTranscript:
		live := evt.Data.LiveText()
		m.state.Caption = m.state.LiveBuffer + " " + live
		if evt.Data != nil && evt.Data.IsFinal && strings.TrimSpace(live) != "" {
			m.state.AppendLive(live)
		}

	case protocol.TypeUserSpeechFinal:
		m.state.AppendHuman(evt.Speaker, evt.Transcript, m.clock())
		m.state.Caption = ""

	case protocol.TypeDebateEnd:
		m.engine.Stop()
		m.capture.Stop()
		m.state.Caption = noticeConcluded
		m.state.ClearTurnFlags()
		m.state.Phase = debate.PhaseConcluded

	default:
		// Forward-compatible no-op.
		m.log.Debug("ignoring unknown event type", slog.String("type", evt.Type))
	}
}

func (m *Machine) applyPlaybackDone(done *protocol.PlaybackFinished) {
	// Consecutive utterances can come from the same assistant, so the
	// completion is matched by session, not speaker. A cancelled
	// predecessor's completion arriving after its successor started must
	// not clear the successor's turn.
	if m.state.PlaybackSession == "" || done.SessionID != m.state.PlaybackSession {
		return
	}
	m.state.PlaybackSession = ""
	m.state.ActiveSpeaker = ""
	m.state.Caption = ""
	if m.state.Phase == debate.PhaseAgentSpeaking {
		m.state.Phase = debate.PhaseIdle
	}
}

func (m *Machine) applyStartRecording() {
	if m.state.Phase == debate.PhaseConcluded {
		return
	}
	if m.capture.State() != capture.StateInactive {
		return
	}

	m.engine.Stop()
	m.state.PlaybackSession = ""
	m.state.ResetLive()
	m.state.Caption = noticeWarming
	m.state.ActiveSpeaker = m.session.Role

	// Device acquisition is the one slow, failing step; it is awaited here
	// before any dependent state change.
	if err := m.capture.Begin(m.ctx); err != nil {
		m.log.Warn("capture start failed", slog.String("error", err.Error()))
		if errors.Is(err, gateway.ErrClosed) {
			m.state.Caption = noticeStall
		} else {
			m.state.Caption = noticeMicFailure
		}
		m.state.ActiveSpeaker = ""
		if m.state.UserTurn {
			m.state.Phase = debate.PhaseUserTurn
		} else {
			m.state.Phase = debate.PhaseIdle
		}
	}
}

func (m *Machine) applyStopRecording() {
	m.capture.Stop()
	// Defensive reset regardless of prior state.
	if m.state.ActiveSpeaker == m.session.Role {
		m.state.ActiveSpeaker = ""
	}
	m.state.UserTurn = false
	m.state.Caption = ""
	if m.state.Phase == debate.PhaseUserRecording || m.state.Phase == debate.PhaseUserTurn {
		m.state.Phase = debate.PhaseIdle
	}
}

func (m *Machine) syncRoster() {
	if err := m.roster.Apply(m.state.ActiveSpeaker, m.state.ThinkingAgent, m.state.UserTurn); err != nil {
		m.log.Warn("roster rejected status update", slog.String("error", err.Error()))
	}
}

func (m *Machine) count(eventType string) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}
