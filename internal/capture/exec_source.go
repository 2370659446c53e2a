package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/podiumlabs/podium/internal/config"
)

// execSource shells out to a recorder command (arecord, sox, ffmpeg …) that
// writes raw PCM to stdout, and slices the stream into fixed-duration
// chunks.
type execSource struct {
	cmd []string
	cfg config.CaptureConfig

	mu      sync.Mutex
	proc    *exec.Cmd
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewExecSource(cfg config.CaptureConfig) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	return &execSource{cmd: args, cfg: cfg}, nil
}

// ChunkBytes is the fixed chunk size for a capture configuration: 16-bit
// samples at the configured rate dialed to the chunk duration.
func ChunkBytes(cfg config.CaptureConfig) int {
	return cfg.SampleRate * cfg.Channels * 2 * cfg.ChunkDurationMS / 1000
}

func (s *execSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrDeviceUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	base := s.cmd[0]
	args := append([]string{}, s.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("start capture command: %w", ErrPermissionDenied)
		}
		return nil, fmt.Errorf("start capture command: %w", ErrDeviceUnavailable)
	}

	s.proc = cmd
	s.cancel = cancel
	s.running = true

	out := make(chan []byte)
	size := ChunkBytes(s.cfg)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (s *execSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()
	// the recorder is killed on stop, a non-zero exit is expected
	_ = s.proc.Wait()
	s.wg.Wait()
	s.proc = nil
	return nil
}
