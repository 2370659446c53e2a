package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/debate"
	"github.com/podiumlabs/podium/internal/protocol"
)

// ErrClosed is returned by send helpers when the session connection is not
// open. Call sites treat it as "drop the message", never as fatal.
var ErrClosed = errors.New("session connection is not open")

// Client owns the single persistent connection to the session's remote
// orchestrator. It announces the chosen role on open, forwards inbound
// structured messages onto the bus, and relays captured audio chunks
// upstream unexamined. There is no reconnect: an unexpected close halts
// turn progress and every later send becomes a guarded no-op.
type Client struct {
	cfg     config.SessionConfig
	session debate.Session
	bus     *bus.Client
	log     *slog.Logger

	meter   metric.Meter
	inbound metric.Int64Counter

	mu   sync.Mutex
	conn *websocket.Conn
	open bool

	audioSub *nats.Subscription
	readWG   sync.WaitGroup
}

func New(cfg config.SessionConfig, session debate.Session, busClient *bus.Client, log *slog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		session: session,
		bus:     busClient,
		log:     log.With(slog.String("component", "gateway")),
		meter:   otel.Meter("github.com/podiumlabs/podium/gateway"),
	}
	var err error
	if c.inbound, err = c.meter.Int64Counter("podium.gateway.inbound_events",
		metric.WithDescription("inbound orchestrator messages by type")); err != nil {
		c.log.Warn("failed to initialize gateway metrics", slog.String("error", err.Error()))
	}
	return c
}

// Dial opens the connection, sends the role announcement, and starts the
// read loop plus the audio relay.
func (c *Client) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.DialTimeout) * time.Millisecond,
	}
	url := c.cfg.WSURL()
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial orchestrator %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	init := protocol.RoleSelected{
		Type:     protocol.TypeRoleSelected,
		Role:     c.session.Role,
		Topic:    c.session.Topic,
		Level:    string(c.session.Level),
		ClientID: c.session.ClientID,
	}
	if err := c.send(init); err != nil {
		c.Close()
		return fmt.Errorf("announce role: %w", err)
	}

	sub, err := c.bus.Conn().Subscribe(protocol.SubjectAudioChunk, c.relayAudio)
	if err != nil {
		c.Close()
		return fmt.Errorf("subscribe audio chunks: %w", err)
	}
	c.audioSub = sub

	c.readWG.Add(1)
	go c.readLoop(conn)

	c.log.Info("session connection open",
		slog.String("url", url),
		slog.String("role", c.session.Role),
		slog.String("client_id", c.session.ClientID))
	return nil
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	if c.audioSub != nil {
		_ = c.audioSub.Drain()
		c.audioSub = nil
	}
	if conn != nil {
		if wasOpen {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
		_ = conn.Close()
	}
	c.readWG.Wait()
}

// SendStartRecording implements capture.ControlSender.
func (c *Client) SendStartRecording() error {
	return c.send(protocol.RecordingControl{Type: protocol.TypeStartRecording})
}

// SendStopRecording implements capture.ControlSender.
func (c *Client) SendStopRecording() error {
	return c.send(protocol.RecordingControl{Type: protocol.TypeStopRecording})
}

// SendPlaybackComplete implements playback.Acker.
func (c *Client) SendPlaybackComplete(sessionID, assistant string) error {
	return c.send(protocol.PlaybackComplete{
		Type:      protocol.TypePlaybackComplete,
		SessionID: sessionID,
		Assistant: assistant,
	})
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.conn == nil {
		return ErrClosed
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) sendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.conn == nil {
		return ErrClosed
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) relayAudio(msg *nats.Msg) {
	if err := c.sendBinary(msg.Data); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warn("failed to relay audio chunk", slog.String("error", err.Error()))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readWG.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.markClosed()
			if data := protocol.Encode(struct {
				Reason string `json:"reason"`
			}{Reason: err.Error()}); data != nil {
				_ = c.bus.Conn().Publish(protocol.SubjectGatewayClosed, data)
			}
			c.log.Info("session connection closed", slog.String("reason", err.Error()))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var evt protocol.Inbound
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn("failed to parse inbound message", slog.String("error", err.Error()))
			continue
		}
		if c.inbound != nil {
			c.inbound.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", evt.Type)))
		}
		if err := c.bus.Conn().Publish(protocol.SubjectInboundEvent, data); err != nil {
			c.log.Warn("failed to publish inbound event", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}
