package capture

import (
	"context"
	"sync"
	"time"

	"github.com/podiumlabs/podium/internal/config"
)

// mockSource emits silence chunks on the configured cadence. Useful for
// development without a microphone.
type mockSource struct {
	cfg config.CaptureConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMockSource(cfg config.CaptureConfig) Source {
	return &mockSource{cfg: cfg}
}

func (s *mockSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrDeviceUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	out := make(chan []byte)
	interval := time.Duration(s.cfg.ChunkDurationMS) * time.Millisecond
	size := ChunkBytes(s.cfg)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- make([]byte, size):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *mockSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()
	s.wg.Wait()
	return nil
}
