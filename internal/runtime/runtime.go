package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/capture"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/debate"
	"github.com/podiumlabs/podium/internal/gateway"
	"github.com/podiumlabs/podium/internal/journal"
	"github.com/podiumlabs/podium/internal/natsserver"
	"github.com/podiumlabs/podium/internal/playback"
	"github.com/podiumlabs/podium/internal/roster"
	"github.com/podiumlabs/podium/internal/session"
	"github.com/podiumlabs/podium/internal/turn"
)

// Runtime assembles the session services and serves the local control API.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	busClient *bus.Client
	machine   *turn.Machine
	lifecycle *session.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the internal bus, the session services, and the
// control API, then blocks until ctx is cancelled. Teardown runs the leave
// sequence first so the device and connection are released before anything
// else goes down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	r.busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer r.busClient.Close()

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
	}

	sess, err := debate.NewSession(
		r.cfg.Session.Topic,
		debate.Level(r.cfg.Session.Level),
		debate.Format(r.cfg.Session.Format),
		r.cfg.Session.Role,
	)
	if err != nil {
		return fmt.Errorf("invalid session configuration: %w", err)
	}

	gw := gateway.New(r.cfg.Session, sess, r.busClient, r.logger)

	source, err := buildSource(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to build capture source: %w", err)
	}
	capCtl := capture.NewController(r.cfg.Capture, source, r.busClient, gw, r.logger)

	sink, err := buildSink(r.cfg.Playback)
	if err != nil {
		return fmt.Errorf("failed to build playback sink: %w", err)
	}
	engine := playback.NewEngine(r.cfg.Playback, r.cfg.Session.HTTPBase(), sink, r.busClient, gw, r.logger)

	reg := roster.New(sess.Format, sess.Role, r.logger)

	r.machine = turn.NewMachine(ctx, sess, r.busClient, reg, capCtl, engine, r.logger)
	if err := r.machine.Start(); err != nil {
		return fmt.Errorf("failed to start turn machine: %w", err)
	}
	defer r.machine.Close()

	recorder := journal.NewRecorder(ctx, store, r.busClient, sess.ClientID, r.logger)
	if err := recorder.Start(); err != nil {
		return fmt.Errorf("failed to start journal recorder: %w", err)
	}
	defer recorder.Close()

	r.lifecycle = session.NewController(sess, gw, engine, capCtl, store, r.cfg.Session.HTTPBase(), r.logger)
	if err := r.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer r.lifecycle.Leave()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("GET /v1/session", r.handleSession)
	mux.HandleFunc("POST /v1/recording/start", r.handleRecordingStart)
	mux.HandleFunc("POST /v1/recording/stop", r.handleRecordingStop)
	mux.HandleFunc("POST /v1/leave", r.handleLeaveRequest)
	mux.HandleFunc("POST /v1/leave/confirm", r.handleLeaveConfirm)
	mux.HandleFunc("POST /v1/leave/cancel", r.handleLeaveCancel)
	mux.HandleFunc("POST /v1/feedback", r.handleFeedback)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("client_id", sess.ClientID),
		slog.String("role", sess.Role))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildSource(cfg config.CaptureConfig) (capture.Source, error) {
	switch cfg.Mode {
	case "exec":
		return capture.NewExecSource(cfg)
	default:
		return capture.NewMockSource(cfg), nil
	}
}

func buildSink(cfg config.PlaybackConfig) (playback.Sink, error) {
	switch cfg.Mode {
	case "exec":
		return playback.NewExecSink(cfg.Command)
	default:
		return playback.NewMockSink(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	view := struct {
		turn.Snapshot
		Leave    session.LeaveState `json:"leave"`
		Feedback session.Feedback   `json:"feedback"`
	}{
		Snapshot: r.machine.Snapshot(),
		Leave:    r.lifecycle.LeaveStatus(),
		Feedback: r.lifecycle.FeedbackStatus(),
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Runtime) handleRecordingStart(w http.ResponseWriter, _ *http.Request) {
	r.machine.StartRecording()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	r.machine.StopRecording()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleLeaveRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]session.LeaveState{"leave": r.lifecycle.RequestLeave()})
}

func (r *Runtime) handleLeaveConfirm(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]session.LeaveState{"leave": r.lifecycle.ConfirmLeave()})
}

func (r *Runtime) handleLeaveCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]session.LeaveState{"leave": r.lifecycle.CancelLeave()})
}

func (r *Runtime) handleFeedback(w http.ResponseWriter, req *http.Request) {
	fb := r.lifecycle.RequestFeedback(req.Context())
	status := http.StatusOK
	if fb.State == session.FeedbackFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, fb)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
