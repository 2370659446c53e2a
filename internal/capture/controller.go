package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/protocol"
)

// ControlSender notifies the remote side about recording boundaries.
type ControlSender interface {
	SendStartRecording() error
	SendStopRecording() error
}

// State of the capture controller.
type State string

const (
	StateInactive  State = "inactive"
	StateWarming   State = "warming"
	StateStreaming State = "streaming"
)

// Controller owns the microphone for the session. Begin acquires the device
// and announces the recording; chunks only flow once the remote recognizer
// confirms readiness (Activate). Chunk boundaries carry no meaning, they are
// forwarded unexamined in capture order.
type Controller struct {
	cfg    config.CaptureConfig
	source Source
	bus    *bus.Client
	sender ControlSender
	log    *slog.Logger

	meter      metric.Meter
	chunkCount metric.Int64Counter

	mu        sync.Mutex
	state     State
	gen       uint64
	streaming atomic.Bool
	pumpWG    sync.WaitGroup
}

func NewController(cfg config.CaptureConfig, source Source, busClient *bus.Client, sender ControlSender, log *slog.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		source: source,
		bus:    busClient,
		sender: sender,
		log:    log.With(slog.String("component", "capture")),
		state:  StateInactive,
		meter:  otel.Meter("github.com/podiumlabs/podium/capture"),
	}
	var err error
	if c.chunkCount, err = c.meter.Int64Counter("podium.capture.chunks",
		metric.WithDescription("audio chunks forwarded upstream")); err != nil {
		c.log.Warn("failed to initialize capture metrics", slog.String("error", err.Error()))
	}
	return c
}

// Begin acquires the microphone and announces the recording to the remote
// side. The controller stays in the warming state until Activate; chunks
// captured meanwhile are discarded, matching a recognizer that is not yet
// listening. Acquisition is the one potentially slow, failing step; on any
// failure the device handle is released before returning.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInactive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateWarming
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	chunks, err := c.source.Start(ctx)
	if err != nil {
		_ = c.source.Stop()
		c.abort(gen)
		return err
	}

	// The lock is not held across the slow acquisition, so a concurrent
	// Stop can win the race. The device it could not release gets released
	// here, and no start is announced for a recording that already ended.
	if !c.current(gen) {
		_ = c.source.Stop()
		return nil
	}

	if err := c.sender.SendStartRecording(); err != nil {
		_ = c.source.Stop()
		c.abort(gen)
		return fmt.Errorf("announce recording start: %w", err)
	}

	if !c.armPump(gen) {
		_ = c.source.Stop()
		return nil
	}
	go c.pump(chunks)
	return nil
}

// Activate switches a warming controller to streaming. Called when the
// remote recognizer reports ready; a no-op in any other state.
func (c *Controller) Activate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWarming {
		return false
	}
	c.state = StateStreaming
	c.streaming.Store(true)
	return true
}

// Stop halts capture, releases the device, and tells the remote side the
// recording ended. Idempotent: a second Stop is a no-op and never sends a
// duplicate stop message.
func (c *Controller) Stop() {
	c.mu.Lock()
	prev := c.state
	c.state = StateInactive
	c.gen++
	c.streaming.Store(false)
	c.mu.Unlock()

	_ = c.source.Stop()
	c.pumpWG.Wait()

	if prev == StateInactive {
		return
	}
	if err := c.sender.SendStopRecording(); err != nil {
		c.log.Warn("failed to announce recording stop", slog.String("error", err.Error()))
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) pump(chunks <-chan []byte) {
	defer c.pumpWG.Done()
	for chunk := range chunks {
		if !c.streaming.Load() {
			continue
		}
		if err := c.bus.Conn().Publish(protocol.SubjectAudioChunk, chunk); err != nil {
			c.log.Warn("failed to publish audio chunk", slog.String("error", err.Error()))
			continue
		}
		if c.chunkCount != nil {
			c.chunkCount.Add(context.Background(), 1)
		}
	}
}

// current reports whether the warming attempt identified by gen is still
// the live one.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateWarming
}

// armPump registers the pump goroutine while re-checking that the attempt
// was not superseded, so a racing Stop cannot miss it in pumpWG.Wait.
func (c *Controller) armPump(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateWarming {
		return false
	}
	c.pumpWG.Add(1)
	return true
}

// abort returns the attempt identified by gen to inactive. A Stop or a newer
// Begin that already moved the state on is left alone.
func (c *Controller) abort(gen uint64) {
	c.mu.Lock()
	if c.gen == gen && c.state == StateWarming {
		c.state = StateInactive
		c.streaming.Store(false)
	}
	c.mu.Unlock()
}
