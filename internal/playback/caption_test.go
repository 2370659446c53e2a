package playback

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPhraseWindow(t *testing.T) {
	words := strings.Fields("w0 w1 w2 w3 w4 w5 w6 w7 w8 w9 w10 w11")

	cases := []struct {
		name string
		i    int
		want string
	}{
		{"first word", 0, "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"},
		{"last word of first window", 9, "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"},
		{"first word of second window", 10, "w10 w11"},
		{"past the end clamps to last window", 50, "w10 w11"},
		{"negative cursor clamps to first window", -3, "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PhraseWindow(words, tc.i); got != tc.want {
				t.Fatalf("PhraseWindow(%d) = %q, want %q", tc.i, got, tc.want)
			}
		})
	}

	if got := PhraseWindow(nil, 0); got != "" {
		t.Fatalf("PhraseWindow(nil) = %q, want empty", got)
	}
}

func TestCaptionTimerEmitsEveryWindowOnce(t *testing.T) {
	words := strings.Fields("a b c d e f g h i j k l")

	var mu sync.Mutex
	var emitted []string
	done := make(chan struct{})

	timer := newCaptionTimer(words, time.Millisecond, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, text)
		if len(emitted) == len(words) {
			close(done)
		}
	})
	timer.start()
	defer timer.cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not walk all words in time")
	}

	mu.Lock()
	defer mu.Unlock()
	// One emission per word: ten showing the first window, two the second.
	first := "a b c d e f g h i j"
	second := "k l"
	for i, got := range emitted[:len(words)] {
		want := first
		if i >= 10 {
			want = second
		}
		if got != want {
			t.Fatalf("emission %d = %q, want %q", i, got, want)
		}
	}
	if emitted[len(words)-1] != second {
		t.Fatalf("final caption = %q, want %q", emitted[len(words)-1], second)
	}
}

func TestCaptionTimerCancelStopsEmissions(t *testing.T) {
	var mu sync.Mutex
	count := 0

	timer := newCaptionTimer(strings.Fields("a b c d e"), 5*time.Millisecond, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	timer.start()
	time.Sleep(12 * time.Millisecond)
	timer.cancel()

	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != after {
		t.Fatalf("captions kept arriving after cancel: %d then %d", after, count)
	}
	if count >= 5 {
		t.Fatalf("cancel had no effect, all %d words emitted", count)
	}

	// Redundant cancel is a no-op.
	timer.cancel()
}
