package playback

import (
	"context"
	"time"
)

// mockSink pretends to play a clip for its real duration. Useful for
// development without an output device.
type mockSink struct{}

func NewMockSink() Sink {
	return &mockSink{}
}

func (m *mockSink) Play(ctx context.Context, clip Clip) error {
	if clip.Duration <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(clip.Duration):
		return nil
	}
}
