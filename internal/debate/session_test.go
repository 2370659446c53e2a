package debate

import (
	"testing"
	"time"
)

func TestNewSessionMintsUniqueClientIDs(t *testing.T) {
	a, err := NewSession("topic", LevelBeginner, FormatAsian, "Prime Minister")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	b, err := NewSession("topic", LevelBeginner, FormatAsian, "Prime Minister")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if a.ClientID == "" || a.ClientID == b.ClientID {
		t.Fatalf("client ids %q and %q, want distinct non-empty values", a.ClientID, b.ClientID)
	}
}

func TestNewSessionValidation(t *testing.T) {
	cases := []struct {
		name   string
		topic  string
		level  Level
		format Format
		role   string
	}{
		{"empty topic", "  ", LevelBeginner, FormatAsian, "Prime Minister"},
		{"unknown format", "topic", LevelBeginner, Format("oxford"), "Prime Minister"},
		{"unknown level", "topic", Level("grandmaster"), FormatAsian, "Prime Minister"},
		{"moderator seat", "topic", LevelBeginner, FormatAsian, RoleModerator},
		{"seat from other format", "topic", LevelBeginner, FormatAsian, "Member for the Government"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSession(tc.topic, tc.level, tc.format, tc.role); err == nil {
				t.Fatal("invalid configuration accepted")
			}
		})
	}
}

func TestStateTranscriptAppends(t *testing.T) {
	s := NewState()
	if s.Phase != PhaseConnecting {
		t.Fatalf("initial phase = %s, want %s", s.Phase, PhaseConnecting)
	}

	now := time.Now()
	s.AppendAgent("Leader of Opposition", "We disagree.", now)
	s.AppendHuman("Prime Minister", "We affirm.", now.Add(time.Second))

	if len(s.Transcript) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(s.Transcript))
	}
	if s.Transcript[0].Kind != EntryAgent || s.Transcript[1].Kind != EntryHuman {
		t.Fatalf("transcript kinds = %s, %s", s.Transcript[0].Kind, s.Transcript[1].Kind)
	}
}

func TestLiveBufferAccumulates(t *testing.T) {
	s := NewState()
	s.AppendLive("we believe")
	s.AppendLive("  uniforms help  ")
	s.AppendLive("")
	if s.LiveBuffer != "we believe uniforms help" {
		t.Fatalf("live buffer = %q", s.LiveBuffer)
	}
	s.ResetLive()
	if s.LiveBuffer != "" {
		t.Fatalf("live buffer after reset = %q", s.LiveBuffer)
	}
}

func TestClearTurnFlags(t *testing.T) {
	s := NewState()
	s.ActiveSpeaker = "Prime Minister"
	s.ThinkingAgent = "Leader of Opposition"
	s.UserTurn = true
	s.PlaybackSession = "sess-9"
	s.ClearTurnFlags()
	if s.ActiveSpeaker != "" || s.ThinkingAgent != "" || s.UserTurn || s.PlaybackSession != "" {
		t.Fatal("turn flags survived ClearTurnFlags")
	}
}
