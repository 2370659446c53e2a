package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT})
	if err != nil {
		t.Fatalf("create test NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test NATS server did not start")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, discardLogger())
	if err != nil {
		t.Fatalf("connect test bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type fakeSender struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeSender) SendStartRecording() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSender) SendStopRecording() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSender) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// trackedSource wraps the mock source and records whether the device handle
// was released.
type trackedSource struct {
	inner   Source
	stops   atomic.Int64
	failure error
}

func (s *trackedSource) Start(ctx context.Context) (<-chan []byte, error) {
	if s.failure != nil {
		return nil, s.failure
	}
	return s.inner.Start(ctx)
}

func (s *trackedSource) Stop() error {
	s.stops.Add(1)
	return s.inner.Stop()
}

func testConfig() config.CaptureConfig {
	return config.CaptureConfig{Mode: "mock", SampleRate: 16000, Channels: 1, ChunkDurationMS: 10}
}

func TestWarmingDiscardsChunksUntilActivate(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	sender := &fakeSender{}
	ctl := NewController(cfg, NewMockSource(cfg), busClient, sender, discardLogger())
	t.Cleanup(ctl.Stop)

	var received atomic.Int64
	sub, err := busClient.Conn().Subscribe(protocol.SubjectAudioChunk, func(*nats.Msg) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe audio chunks: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	if got := ctl.State(); got != StateWarming {
		t.Fatalf("state after begin = %s, want %s", got, StateWarming)
	}

	time.Sleep(50 * time.Millisecond)
	if got := received.Load(); got != 0 {
		t.Fatalf("%d chunks published while warming, want 0", got)
	}

	if !ctl.Activate() {
		t.Fatal("activate on a warming controller returned false")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && received.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if received.Load() == 0 {
		t.Fatal("no chunks published after activation")
	}
}

func TestChunkSizing(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	ctl := NewController(cfg, NewMockSource(cfg), busClient, &fakeSender{}, discardLogger())
	t.Cleanup(ctl.Stop)

	want := ChunkBytes(cfg)
	sized := make(chan int, 16)
	sub, err := busClient.Conn().Subscribe(protocol.SubjectAudioChunk, func(msg *nats.Msg) {
		select {
		case sized <- len(msg.Data):
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe audio chunks: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	ctl.Activate()

	select {
	case got := <-sized:
		if got != want {
			t.Fatalf("chunk size = %d bytes, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk arrived")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	sender := &fakeSender{}
	src := &trackedSource{inner: NewMockSource(cfg)}
	ctl := NewController(cfg, src, busClient, sender, discardLogger())

	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	ctl.Activate()

	ctl.Stop()
	ctl.Stop()
	ctl.Stop()

	if got := ctl.State(); got != StateInactive {
		t.Fatalf("state after stop = %s, want %s", got, StateInactive)
	}
	_, stops := sender.counts()
	if stops != 1 {
		t.Fatalf("remote stop notifications = %d, want 1", stops)
	}
	if src.stops.Load() == 0 {
		t.Fatal("device handle never released")
	}
}

func TestAcquisitionFailureReleasesDevice(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	sender := &fakeSender{}
	src := &trackedSource{inner: NewMockSource(cfg), failure: ErrPermissionDenied}
	ctl := NewController(cfg, src, busClient, sender, discardLogger())

	err := ctl.Begin(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("begin error = %v, want %v", err, ErrPermissionDenied)
	}
	if got := ctl.State(); got != StateInactive {
		t.Fatalf("state after failed begin = %s, want %s", got, StateInactive)
	}
	if src.stops.Load() == 0 {
		t.Fatal("device handle not released on the error path")
	}
	starts, _ := sender.counts()
	if starts != 0 {
		t.Fatalf("remote start notifications = %d after failed acquisition, want 0", starts)
	}

	// The controller remains usable after a failure.
	src.failure = nil
	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin after recovery: %v", err)
	}
	t.Cleanup(ctl.Stop)
	if got := ctl.State(); got != StateWarming {
		t.Fatalf("state after recovery = %s, want %s", got, StateWarming)
	}
}

// gatedSource holds Start until the test releases it, so a Stop can be
// interleaved mid-acquisition.
type gatedSource struct {
	inner   Source
	entered chan struct{}
	release chan struct{}
	stops   atomic.Int64
}

func newGatedSource(inner Source) *gatedSource {
	return &gatedSource{
		inner:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedSource) Start(ctx context.Context) (<-chan []byte, error) {
	close(s.entered)
	<-s.release
	return s.inner.Start(ctx)
}

func (s *gatedSource) Stop() error {
	s.stops.Add(1)
	return s.inner.Stop()
}

func TestStopDuringAcquisitionReleasesDevice(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	sender := &fakeSender{}
	src := newGatedSource(NewMockSource(cfg))
	ctl := NewController(cfg, src, busClient, sender, discardLogger())

	done := make(chan error, 1)
	go func() { done <- ctl.Begin(context.Background()) }()

	// Stop lands while Begin is still blocked inside device acquisition.
	<-src.entered
	ctl.Stop()
	close(src.release)

	if err := <-done; err != nil {
		t.Fatalf("begin superseded by stop: %v", err)
	}
	if got := ctl.State(); got != StateInactive {
		t.Fatalf("state = %s after stop won the race, want %s", got, StateInactive)
	}
	// The handle acquired after the stop must still be released, and no
	// recording start may be announced for it.
	if got := src.stops.Load(); got < 2 {
		t.Fatalf("device stop calls = %d, want the late handle released too", got)
	}
	starts, _ := sender.counts()
	if starts != 0 {
		t.Fatalf("remote start notifications = %d after superseded begin, want 0", starts)
	}

	// The controller remains usable afterwards.
	src.release = make(chan struct{})
	close(src.release)
	src.entered = make(chan struct{})
	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin after superseded attempt: %v", err)
	}
	t.Cleanup(ctl.Stop)
	if got := ctl.State(); got != StateWarming {
		t.Fatalf("state after fresh begin = %s, want %s", got, StateWarming)
	}
	starts, _ = sender.counts()
	if starts != 1 {
		t.Fatalf("remote start notifications = %d after fresh begin, want 1", starts)
	}
}

func TestBeginWhileActiveIsNoOp(t *testing.T) {
	busClient := testBus(t)
	cfg := testConfig()
	sender := &fakeSender{}
	ctl := NewController(cfg, NewMockSource(cfg), busClient, sender, discardLogger())
	t.Cleanup(ctl.Stop)

	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	if err := ctl.Begin(context.Background()); err != nil {
		t.Fatalf("redundant begin: %v", err)
	}
	starts, _ := sender.counts()
	if starts != 1 {
		t.Fatalf("remote start notifications = %d, want 1", starts)
	}
}
