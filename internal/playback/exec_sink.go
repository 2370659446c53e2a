package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSink pipes clip bytes to an external player command (aplay, paplay,
// ffplay …) over stdin. The output device is singly owned, so plays are
// serialized with a mutex.
type execSink struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecSink(command string) (Sink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &execSink{cmd: args}, nil
}

func (e *execSink) Play(ctx context.Context, clip Clip) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(clip.Data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback command failed: %w: %s", err, stderr.String())
	}
	return nil
}
