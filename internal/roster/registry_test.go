package roster

import (
	"io"
	"log/slog"
	"testing"

	"github.com/podiumlabs/podium/internal/debate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func statusOf(t *testing.T, snap []Participant, role string) Status {
	t.Helper()
	for _, p := range snap {
		if p.Role == role {
			return p.Status
		}
	}
	t.Fatalf("role %q not in snapshot", role)
	return ""
}

func TestSnapshotMarksUserSeat(t *testing.T) {
	r := New(debate.FormatAsian, "Prime Minister", newLogger())
	snap := r.Snapshot()
	if len(snap) != 7 {
		t.Fatalf("expected 7 seats, got %d", len(snap))
	}
	var users int
	for _, p := range snap {
		if p.IsUser {
			users++
			if p.Role != "Prime Minister" {
				t.Fatalf("wrong user seat %q", p.Role)
			}
		}
	}
	if users != 1 {
		t.Fatalf("expected exactly one user seat, got %d", users)
	}
}

func TestApplyEnforcesSingleSpeaker(t *testing.T) {
	r := New(debate.FormatAsian, "Prime Minister", newLogger())
	if err := r.Apply("Leader of Opposition", "", false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := r.Apply("Government Whip", "", false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := r.Snapshot()
	if got := statusOf(t, snap, "Government Whip"); got != StatusSpeaking {
		t.Fatalf("expected new speaker, got %s", got)
	}
	if got := statusOf(t, snap, "Leader of Opposition"); got != StatusIdle {
		t.Fatalf("previous speaker should be idle, got %s", got)
	}
}

func TestApplyRejectsUnknownRole(t *testing.T) {
	r := New(debate.FormatAsian, "Prime Minister", newLogger())
	if err := r.Apply("Chancellor", "", false); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestUserTurnOnlyOnHumanSeat(t *testing.T) {
	r := New(debate.FormatBritish, "Opposition Whip", newLogger())
	if err := r.Apply("", "", true); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := r.Snapshot()
	for _, p := range snap {
		if p.IsUser && p.Status != StatusUserTurn {
			t.Fatalf("user seat should be user-turn, got %s", p.Status)
		}
		if !p.IsUser && p.Status == StatusUserTurn {
			t.Fatalf("agent seat %q must never be user-turn", p.Role)
		}
	}
}

func TestClearResetsAll(t *testing.T) {
	r := New(debate.FormatAsian, "Prime Minister", newLogger())
	if err := r.Apply("Leader of Opposition", "Government Whip", false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r.Clear()
	for _, p := range r.Snapshot() {
		if p.Status != StatusIdle {
			t.Fatalf("seat %q not idle after clear", p.Role)
		}
	}
}
