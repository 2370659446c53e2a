package debate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session holds the immutable configuration of one debate attempt. Format
// and role never change once the session goes active; a new attempt gets a
// fresh Session with a fresh client identifier.
type Session struct {
	ClientID string
	Topic    string
	Level    Level
	Format   Format
	Role     string
}

// NewSession validates the configuration and mints a client identifier.
func NewSession(topic string, level Level, format Format, role string) (Session, error) {
	if strings.TrimSpace(topic) == "" {
		return Session{}, errors.New("debate topic must not be empty")
	}
	if !format.Valid() {
		return Session{}, fmt.Errorf("unknown format %q", format)
	}
	if !level.Valid() {
		return Session{}, fmt.Errorf("unknown level %q", level)
	}
	if !format.HasRole(role) {
		return Session{}, fmt.Errorf("role %q is not selectable in format %q", role, format)
	}
	return Session{
		ClientID: uuid.NewString(),
		Topic:    topic,
		Level:    level,
		Format:   format,
		Role:     role,
	}, nil
}

// Phase is the turn state machine's current state.
type Phase string

const (
	PhaseConnecting    Phase = "connecting"
	PhaseIdle          Phase = "idle"
	PhaseAgentThinking Phase = "agent_thinking"
	PhaseAgentSpeaking Phase = "agent_speaking"
	PhaseUserTurn      Phase = "user_turn"
	PhaseUserRecording Phase = "user_recording"
	PhaseConcluded     Phase = "concluded"
)

// EntryKind tags a transcript entry as human or agent speech.
type EntryKind string

const (
	EntryHuman EntryKind = "human"
	EntryAgent EntryKind = "agent"
)

// Entry is one appended utterance. Entries are never mutated after append.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the mutable per-session aggregate. It is owned by the turn state
// machine and mutated only inside its run loop; everything else reads
// snapshots.
type State struct {
	Phase         Phase
	ActiveSpeaker string
	ThinkingAgent string
	UserTurn      bool
	Caption       string
	Transcript    []Entry
	LiveBuffer    string

	// PlaybackSession identifies the in-flight utterance. Completion and
	// caption signals carry the session they belong to; anything from a
	// superseded utterance is discarded by comparing against this.
	PlaybackSession string
}

// NewState returns the aggregate in its initial phase.
func NewState() *State {
	return &State{Phase: PhaseConnecting}
}

// AppendAgent records a completed agent utterance.
func (s *State) AppendAgent(speaker, content string, at time.Time) {
	s.Transcript = append(s.Transcript, Entry{Kind: EntryAgent, Speaker: speaker, Content: content, Timestamp: at})
}

// AppendHuman records a finalized human speech segment.
func (s *State) AppendHuman(speaker, content string, at time.Time) {
	s.Transcript = append(s.Transcript, Entry{Kind: EntryHuman, Speaker: speaker, Content: content, Timestamp: at})
}

// AppendLive folds a final recognition fragment into the live buffer for the
// human's current turn.
func (s *State) AppendLive(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	if s.LiveBuffer == "" {
		s.LiveBuffer = fragment
		return
	}
	s.LiveBuffer += " " + fragment
}

// ResetLive clears the live buffer at the start of a new human turn.
func (s *State) ResetLive() {
	s.LiveBuffer = ""
}

// ClearTurnFlags drops any speaking/thinking/user-turn markers.
func (s *State) ClearTurnFlags() {
	s.ActiveSpeaker = ""
	s.ThinkingAgent = ""
	s.UserTurn = false
	s.PlaybackSession = ""
}
