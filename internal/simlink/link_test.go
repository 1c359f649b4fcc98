package simlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agropilot/agropilot/internal/model"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newWSServer runs handler for every accepted connection and returns the
// ws:// URL. The server shuts down with the test.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchRoutesByTag(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"observation","data":{"position":[1,2,3]},"timestamp":1.5}`,
			`{"type":"reward","data":{"reward":0.25},"timestamp":2.5}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *model.Inbound, 4)
	link := New(ctx, "test", url, 10*time.Millisecond, 1)
	link.Handle(model.MsgObservation, func(ctx context.Context, msg *model.Inbound) {
		got <- msg
	})
	link.Handle(model.MsgReward, func(ctx context.Context, msg *model.Inbound) {
		got <- msg
	})
	link.Connect()
	defer link.Close()

	first := recvInbound(t, got)
	if first.Type != model.MsgObservation {
		t.Fatalf("first message type = %s, want observation", first.Type)
	}
	if first.Timestamp != 1.5 {
		t.Fatalf("timestamp = %v, want 1.5", first.Timestamp)
	}
	var payload model.ObservationPayload
	if err := json.Unmarshal(first.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Position) != 3 || payload.Position[0] != 1 {
		t.Fatalf("position = %v, want [1 2 3]", payload.Position)
	}

	second := recvInbound(t, got)
	if second.Type != model.MsgReward {
		t.Fatalf("second message type = %s, want reward", second.Type)
	}
}

func recvInbound(t *testing.T, ch chan *model.Inbound) *model.Inbound {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return nil
	}
}

func TestUnknownAndMalformedFramesIgnored(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"weather_report","data":{},"timestamp":1}`,
			`this is not json`,
			`{"type":"reward","data":{"reward":1},"timestamp":2}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *model.Inbound, 1)
	link := New(ctx, "test", url, 10*time.Millisecond, 1)
	link.Handle(model.MsgReward, func(ctx context.Context, msg *model.Inbound) {
		got <- msg
	})
	link.Connect()
	defer link.Close()

	// The garbage before it must not tear anything down.
	msg := recvInbound(t, got)
	if msg.Type != model.MsgReward {
		t.Fatalf("message type = %s, want reward", msg.Type)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := New(ctx, "test", "ws://127.0.0.1:0", 10*time.Millisecond, 1)
	if err := link.SendAction([]float64{0, 0, 0, 0}); err != ErrNotConnected {
		t.Fatalf("SendAction error = %v, want ErrNotConnected", err)
	}
	if err := link.SendReset(); err != ErrNotConnected {
		t.Fatalf("SendReset error = %v, want ErrNotConnected", err)
	}
}

func TestOutboundEnvelopeShape(t *testing.T) {
	frames := make(chan []byte, 4)
	url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := New(ctx, "test", url, 10*time.Millisecond, 1)
	link.Connect()
	defer link.Close()

	waitFor(t, 2*time.Second, func() bool {
		return link.Status().State == StateConnected
	})
	if err := link.SendAction([]float64{0.5, -0.5, 0, 1}); err != nil {
		t.Fatalf("SendAction: %v", err)
	}

	var env struct {
		Type      model.MsgType `json:"type"`
		Data      model.ActionPayload
		Timestamp float64 `json:"timestamp"`
	}
	select {
	case data := <-frames:
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}

	if env.Type != model.MsgAction {
		t.Fatalf("type = %s, want action", env.Type)
	}
	if len(env.Data.Action) != 4 || env.Data.Action[0] != 0.5 {
		t.Fatalf("action = %v, want [0.5 -0.5 0 1]", env.Data.Action)
	}
	if env.Timestamp <= 0 {
		t.Fatalf("timestamp = %v, want > 0", env.Timestamp)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	pong := make(chan struct{}, 1)
	url := newWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"ping","data":{},"timestamp":1}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type model.MsgType `json:"type"`
			}
			if json.Unmarshal(data, &env) == nil && env.Type == model.MsgPong {
				select {
				case pong <- struct{}{}:
				default:
				}
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := New(ctx, "test", url, 10*time.Millisecond, 1)
	link.Connect()
	defer link.Close()

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestReconnectCeiling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing listens on this address, so every dial fails.
	link := New(ctx, "test", "ws://127.0.0.1:1", 5*time.Millisecond, 3)
	link.Connect()
	defer link.Close()

	waitFor(t, 5*time.Second, func() bool {
		return link.Status().State == StateFailed
	})

	st := link.Status()
	if st.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (ceiling of 3 plus the final check)", st.Attempts)
	}

	// A failed link stays failed and rejects sends.
	time.Sleep(20 * time.Millisecond)
	if link.Status().State != StateFailed {
		t.Fatal("failed link should stay failed")
	}
	if err := link.SendReset(); err != ErrNotConnected {
		t.Fatalf("SendReset on failed link = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	accepted := make(chan struct{}, 8)
	var dropped atomic.Bool
	url := newWSServer(t, func(conn *websocket.Conn) {
		accepted <- struct{}{}
		if dropped.CompareAndSwap(false, true) {
			return // handler return closes the first connection
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connEvents := make(chan bool, 8)
	link := New(ctx, "test", url, 5*time.Millisecond, 5)
	link.SetConnectionListener(func(connected bool) {
		connEvents <- connected
	})
	link.Connect()
	defer link.Close()

	// First accept, then a drop, then the reconnect's accept.
	<-accepted
	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("link never reconnected")
	}

	waitFor(t, 5*time.Second, func() bool {
		st := link.Status()
		return st.State == StateConnected && st.Attempts == 0
	})

	// The listener saw connect, disconnect, connect.
	want := []bool{true, false, true}
	for i, w := range want {
		select {
		case got := <-connEvents:
			if got != w {
				t.Fatalf("event %d = %v, want %v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing connection event %d", i)
		}
	}
}

func TestCloseIsIdempotentAndStopsReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := New(ctx, "test", "ws://127.0.0.1:1", time.Hour, 100)
	link.Connect()

	if err := link.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if link.Status().State != StateDisconnected {
		t.Fatalf("state after close = %v, want disconnected", link.Status().State)
	}
}
