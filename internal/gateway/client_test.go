package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/podiumlabs/podium/internal/bus"
	"github.com/podiumlabs/podium/internal/config"
	"github.com/podiumlabs/podium/internal/debate"
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

// wsServer is a one-connection orchestrator stand-in.
type wsServer struct {
	conns chan *websocket.Conn
}

func startWSServer(t *testing.T) (*wsServer, config.SessionConfig) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ws := &wsServer{conns: make(chan *websocket.Conn, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ws.conns <- conn
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("parse test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := config.SessionConfig{
		Host:        host,
		AsianPort:   port,
		BritishPort: port,
		Format:      string(debate.FormatAsian),
		DialTimeout: 2000,
	}
	return ws, cfg
}

func (w *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-w.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func newTestClient(t *testing.T) (*Client, *wsServer, *bus.Client, debate.Session) {
	t.Helper()
	ws, cfg := startWSServer(t)
	busClient := testBus(t)

	session, err := debate.NewSession("Space exploration is worth the cost", debate.LevelExpert, debate.FormatAsian, "Prime Minister")
	if err != nil {
		t.Fatalf("build session: %v", err)
	}

	client := New(cfg, session, busClient, discardLogger())
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client, ws, busClient, session
}

func TestDialAnnouncesRole(t *testing.T) {
	_, ws, _, session := newTestClient(t)
	conn := ws.accept(t)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var init protocol.RoleSelected
	if err := conn.ReadJSON(&init); err != nil {
		t.Fatalf("read init message: %v", err)
	}
	if init.Type != protocol.TypeRoleSelected {
		t.Fatalf("init type = %q, want %q", init.Type, protocol.TypeRoleSelected)
	}
	if init.Role != "Prime Minister" || init.Topic != "Space exploration is worth the cost" {
		t.Fatalf("init announcement = %+v, want configured role and topic", init)
	}
	if init.ClientID != session.ClientID {
		t.Fatalf("init clientId = %q, want %q", init.ClientID, session.ClientID)
	}
}

func TestInboundMessageReachesBus(t *testing.T) {
	_, ws, busClient, _ := newTestClient(t)
	conn := ws.accept(t)
	defer conn.Close()

	events := make(chan []byte, 1)
	sub, err := busClient.Conn().Subscribe(protocol.SubjectInboundEvent, func(msg *nats.Msg) {
		select {
		case events <- msg.Data:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe inbound: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	raw := `{"type":"agent_thinking","assistant":"Leader of Opposition"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write inbound message: %v", err)
	}

	select {
	case data := <-events:
		var evt protocol.Inbound
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal forwarded event: %v", err)
		}
		if evt.Type != protocol.TypeAgentThinking || evt.Assistant != "Leader of Opposition" {
			t.Fatalf("forwarded event = %+v, want the agent_thinking payload", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("inbound message never reached the bus")
	}
}

func TestAudioChunksRelayedInOrder(t *testing.T) {
	_, ws, busClient, _ := newTestClient(t)
	conn := ws.accept(t)
	defer conn.Close()

	// Drain the init message first.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read init message: %v", err)
	}

	chunks := [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05, 0x06}}
	for _, chunk := range chunks {
		if err := busClient.Conn().Publish(protocol.SubjectAudioChunk, chunk); err != nil {
			t.Fatalf("publish chunk: %v", err)
		}
		if err := busClient.Conn().Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	for i, want := range chunks {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read relayed chunk %d: %v", i, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("chunk %d arrived as message type %d, want binary", i, msgType)
		}
		if string(data) != string(want) {
			t.Fatalf("chunk %d = %v, want %v", i, data, want)
		}
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	client, ws, _, _ := newTestClient(t)
	conn := ws.accept(t)
	defer conn.Close()

	client.Close()
	client.Close()

	if client.Connected() {
		t.Fatal("client reports connected after close")
	}
	if err := client.SendStartRecording(); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	if err := client.SendPlaybackComplete("sess-1", "Prime Minister"); !errors.Is(err, ErrClosed) {
		t.Fatalf("ack after close = %v, want ErrClosed", err)
	}
}

func TestServerCloseSurfacesOnBus(t *testing.T) {
	client, ws, busClient, _ := newTestClient(t)
	conn := ws.accept(t)

	closed := make(chan struct{}, 1)
	sub, err := busClient.Conn().Subscribe(protocol.SubjectGatewayClosed, func(*nats.Msg) {
		select {
		case closed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe closure: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	conn.Close()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection closure never surfaced on the bus")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	if client.Connected() {
		t.Fatal("client still reports connected after server close")
	}
}
