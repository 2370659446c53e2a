package playback

import (
	"context"
	"time"
)

// Clip is one fetched utterance's audio, already decoded far enough to know
// its duration.
type Clip struct {
	Data     []byte
	Duration time.Duration
}

// Sink abstracts the audio output device. Play blocks until the clip ends,
// the sink fails, or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, clip Clip) error
}
