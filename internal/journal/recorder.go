package journal

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/protocol"
)

// Recorder mirrors session coordination traffic from the bus into the
// store. Raw audio chunks are deliberately not journaled.
type Recorder struct {
	store    *Store
	bus      *bus.Client
	log      *slog.Logger
	clientID string
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewRecorder(parent context.Context, store *Store, busClient *bus.Client, clientID string, log *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(parent)
	return &Recorder{
		store:    store,
		bus:      busClient,
		log:      log.With(slog.String("component", "journal-recorder")),
		clientID: clientID,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Recorder) Start() error {
	inbound, err := r.bus.Conn().Subscribe(protocol.SubjectInboundEvent, func(msg *nats.Msg) {
		kind := "unknown"
		var evt protocol.Inbound
		if err := json.Unmarshal(msg.Data, &evt); err == nil && evt.Type != "" {
			kind = evt.Type
		}
		r.append("inbound", kind, msg.Data)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, inbound)

	done, err := r.bus.Conn().Subscribe(protocol.SubjectPlaybackDone, func(msg *nats.Msg) {
		r.append("local", "playback_finished", msg.Data)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, done)

	closed, err := r.bus.Conn().Subscribe(protocol.SubjectGatewayClosed, func(msg *nats.Msg) {
		r.append("local", "gateway_closed", msg.Data)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, closed)

	return nil
}

func (r *Recorder) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Recorder) append(direction, kind string, payload []byte) {
	if err := r.store.Append(r.ctx, Event{
		ClientID:  r.clientID,
		Direction: direction,
		Kind:      kind,
		Payload:   payload,
	}); err != nil {
		r.log.Warn("journal append failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
