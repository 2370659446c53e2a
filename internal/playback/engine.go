package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/protocol"
)

// Utterance is one agent turn handed over by the turn state machine.
type Utterance struct {
	SessionID string
	Assistant string
	Text      string
}

// Acker delivers the playback-finished acknowledgment to the remote
// scheduler. Every play attempt produces exactly one acknowledgment, even
// when nothing was ever audible; a stuck remote turn is worse than a missed
// caption.
type Acker interface {
	SendPlaybackComplete(sessionID, assistant string) error
}

// Engine fetches an utterance's audio, plays it through the sink, and
// derives the timed caption stream purely from audio duration and word
// count.
type Engine struct {
	cfg      config.PlaybackConfig
	httpBase string
	client   *http.Client
	sink     Sink
	bus      *bus.Client
	acker    Acker
	log      *slog.Logger

	meter metric.Meter
	plays metric.Int64Counter
	acks  metric.Int64Counter

	mu      sync.Mutex
	current *playRun
}

type playRun struct {
	utt    Utterance
	ctx    context.Context
	cancel context.CancelFunc

	capMu   sync.Mutex
	caption *captionTimer

	once sync.Once
}

func NewEngine(cfg config.PlaybackConfig, httpBase string, sink Sink, busClient *bus.Client, acker Acker, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		httpBase: strings.TrimRight(httpBase, "/"),
		client:   &http.Client{},
		sink:     sink,
		bus:      busClient,
		acker:    acker,
		log:      log.With(slog.String("component", "playback-engine")),
		meter:    otel.Meter("github.com/podiumlabs/podium/playback"),
	}
	var err error
	if e.plays, err = e.meter.Int64Counter("podium.playback.plays",
		metric.WithDescription("play attempts started")); err != nil {
		e.log.Warn("failed to initialize playback metrics", slog.String("error", err.Error()))
	}
	if e.acks, err = e.meter.Int64Counter("podium.playback.acks",
		metric.WithDescription("playback-complete acknowledgments sent")); err != nil {
		e.log.Warn("failed to initialize playback metrics", slog.String("error", err.Error()))
	}
	return e
}

// Play begins a new playback attempt. Any in-flight attempt is cancelled
// first: its caption timer is stopped and its audio torn down before the new
// attempt's state applies, so a stale caption can never outlive its
// utterance.
func (e *Engine) Play(utt Utterance) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &playRun{utt: utt, ctx: ctx, cancel: cancel}

	e.mu.Lock()
	prev := e.current
	e.current = run
	e.mu.Unlock()

	if prev != nil {
		e.finish(prev, context.Canceled)
	}
	if e.plays != nil {
		e.plays.Add(context.Background(), 1)
	}
	go e.run(run)
}

// Stop cancels the in-flight attempt, if any. Safe to call redundantly; the
// attempt still produces its single acknowledgment.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.current
	e.current = nil
	e.mu.Unlock()

	if run != nil {
		e.finish(run, context.Canceled)
	}
}

// Active reports whether a play attempt is in flight.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) run(r *playRun) {
	if r.utt.Text == "" {
		e.finish(r, nil)
		return
	}

	data, err := e.fetch(r.ctx, r.utt.SessionID)
	if err != nil {
		e.finish(r, err)
		return
	}

	words := strings.Fields(r.utt.Text)
	duration, derr := clipDuration(data)
	clip := Clip{Data: data, Duration: duration}

	if derr != nil || duration <= 0 || len(words) == 0 {
		// No usable timing: show the whole utterance once, no timer.
		e.emitCaption(r.utt.SessionID, r.utt.Text)
	} else {
		interval := duration / time.Duration(len(words))
		timer := newCaptionTimer(words, interval, func(text string) {
			e.emitCaption(r.utt.SessionID, text)
		})
		if r.armCaption(timer) {
			timer.start()
		}
	}

	err = e.sink.Play(r.ctx, clip)
	if err != nil && r.ctx.Err() != nil {
		err = r.ctx.Err()
	}
	e.finish(r, err)
}

// finish is the single exit path for a play attempt: cancel timers, release
// the audio, report locally, acknowledge remotely. Exactly once per run.
func (e *Engine) finish(r *playRun, err error) {
	r.once.Do(func() {
		r.cancel()
		r.stopCaption()

		e.mu.Lock()
		if e.current == r {
			e.current = nil
		}
		e.mu.Unlock()

		msg := protocol.PlaybackFinished{SessionID: r.utt.SessionID, Assistant: r.utt.Assistant}
		outcome := "ok"
		if err != nil && !errors.Is(err, context.Canceled) {
			msg.Error = err.Error()
			outcome = "error"
			e.log.Warn("playback attempt failed",
				slog.String("assistant", r.utt.Assistant),
				slog.String("error", err.Error()))
		} else if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}

		if data := protocol.Encode(msg); data != nil {
			if perr := e.bus.Conn().Publish(protocol.SubjectPlaybackDone, data); perr != nil {
				e.log.Warn("failed to publish playback finished", slog.String("error", perr.Error()))
			}
		}
		if aerr := e.acker.SendPlaybackComplete(r.utt.SessionID, r.utt.Assistant); aerr != nil {
			e.log.Warn("failed to send playback acknowledgment", slog.String("error", aerr.Error()))
		}
		if e.acks != nil {
			e.acks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	})
}

func (e *Engine) fetch(ctx context.Context, sessionID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.FetchTimeoutMS)*time.Millisecond)
	defer cancel()

	url := fmt.Sprintf("%s/api/tts-audio/%s", e.httpBase, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch audio: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio body: %w", err)
	}
	return data, nil
}

func (e *Engine) emitCaption(sessionID, text string) {
	data := protocol.Encode(protocol.CaptionUpdate{SessionID: sessionID, Text: text})
	if data == nil {
		return
	}
	if err := e.bus.Conn().Publish(protocol.SubjectCaption, data); err != nil {
		e.log.Warn("failed to publish caption", slog.String("error", err.Error()))
	}
}

func (r *playRun) armCaption(t *captionTimer) bool {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	if r.ctx.Err() != nil {
		return false
	}
	r.caption = t
	return true
}

func (r *playRun) stopCaption() {
	r.capMu.Lock()
	t := r.caption
	r.caption = nil
	r.capMu.Unlock()
	if t != nil {
		t.cancel()
	}
}

func clipDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	return dec.Duration()
}
