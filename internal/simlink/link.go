package simlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agropilot/agropilot/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // 8 MB, camera frames are large
	sendBufferSize = 256
)

// ErrNotConnected is returned by Send* when no live connection exists.
// Sends never block waiting for a reconnect.
var ErrNotConnected = errors.New("not connected")

// State describes the link lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFailed // reconnect ceiling reached, link will not retry
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time snapshot of the link.
type Status struct {
	State        State     `json:"-"`
	Attempts     int       `json:"reconnect_attempts"`
	LastActivity time.Time `json:"last_activity"`
}

// HandlerFunc handles one inbound message for a registered tag.
// Handlers run on the link's read goroutine, in receipt order; a handler
// is never invoked concurrently with another handler of the same link.
type HandlerFunc func(ctx context.Context, msg *model.Inbound)

// Link maintains one duplex WebSocket connection to the simulation.
// Connection loss and dial failures are retried on a fixed interval up to
// a configured attempt ceiling; after the ceiling the link stays down.
type Link struct {
	name              string
	url               string
	parentCtx         context.Context
	reconnectInterval time.Duration
	maxAttempts       int

	handlers map[model.MsgType]HandlerFunc
	listener func(connected bool)

	mu                sync.Mutex
	conn              *websocket.Conn
	send              chan []byte
	connCancel        context.CancelFunc
	stopReconnect     context.CancelFunc // cancels the running reconnectLoop
	state             State
	closed            bool
	reconnectAttempts int
	lastActivity      time.Time
}

// New creates a link to the given WebSocket URL. The provided ctx controls
// the link lifetime - cancelling it stops all reconnection. name prefixes
// log lines so multiple links stay distinguishable.
func New(ctx context.Context, name, url string, reconnectInterval time.Duration, maxAttempts int) *Link {
	return &Link{
		name:              name,
		url:               url,
		parentCtx:         ctx,
		reconnectInterval: reconnectInterval,
		maxAttempts:       maxAttempts,
		handlers:          make(map[model.MsgType]HandlerFunc),
	}
}

// Handle registers the inbound handler for one message tag.
// Must be called before Connect; not safe for concurrent use.
func (l *Link) Handle(tag model.MsgType, fn HandlerFunc) {
	l.handlers[tag] = fn
}

// SetConnectionListener registers a callback fired on connect/disconnect.
// Must be called before Connect.
func (l *Link) SetConnectionListener(fn func(connected bool)) {
	l.listener = fn
}

// Connect establishes the connection. A failed dial is not surfaced: the
// link schedules retries on its own until the attempt ceiling is reached.
func (l *Link) Connect() {
	if err := l.dial(); err != nil {
		log.Printf("[simlink] %s: connect failed: %v", l.name, err)
		l.scheduleReconnect()
	}
}

func (l *Link) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}

	connCtx, connCancel := context.WithCancel(l.parentCtx)
	send := make(chan []byte, sendBufferSize)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		connCancel()
		conn.Close()
		return nil
	}
	// Cancel any pending reconnect loop before establishing new state
	if l.stopReconnect != nil {
		l.stopReconnect()
		l.stopReconnect = nil
	}
	l.conn = conn
	l.send = send
	l.connCancel = connCancel
	l.state = StateConnected
	l.reconnectAttempts = 0
	l.lastActivity = time.Now()
	l.mu.Unlock()

	log.Printf("[simlink] %s: connected to %s", l.name, l.url)
	if l.listener != nil {
		l.listener(true)
	}

	// Each connection gets its own disconnect handler, fired at most once.
	var once sync.Once
	onDisconnect := func() {
		once.Do(func() {
			connCancel()
			conn.Close()

			l.mu.Lock()
			isCurrentConn := l.conn == conn
			if isCurrentConn {
				l.state = StateDisconnected
				l.conn = nil
				l.send = nil
			}
			shouldReconnect := isCurrentConn && !l.closed && l.parentCtx.Err() == nil
			l.mu.Unlock()

			if isCurrentConn {
				log.Printf("[simlink] %s: disconnected", l.name)
				if l.listener != nil {
					l.listener(false)
				}
			}
			if shouldReconnect {
				l.scheduleReconnect()
			}
		})
	}

	go l.readPump(connCtx, conn, onDisconnect)
	go l.writePump(connCtx, conn, send, onDisconnect)

	return nil
}

func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.closed || l.state == StateFailed || l.parentCtx.Err() != nil {
		l.mu.Unlock()
		return
	}
	if l.stopReconnect != nil {
		// A reconnect loop is already running.
		l.mu.Unlock()
		return
	}
	var reconnectCtx context.Context
	reconnectCtx, l.stopReconnect = context.WithCancel(l.parentCtx)
	l.mu.Unlock()

	go l.reconnectLoop(reconnectCtx)
}

func (l *Link) reconnectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		l.reconnectAttempts++
		attempts := l.reconnectAttempts
		l.mu.Unlock()

		if attempts > l.maxAttempts {
			l.mu.Lock()
			l.state = StateFailed
			l.stopReconnect = nil
			l.mu.Unlock()
			log.Printf("[simlink] %s: max reconnection attempts reached (%d), giving up", l.name, l.maxAttempts)
			return
		}

		log.Printf("[simlink] %s: reconnecting in %v (attempt %d/%d)...", l.name, l.reconnectInterval, attempts, l.maxAttempts)

		select {
		case <-time.After(l.reconnectInterval):
		case <-ctx.Done():
			return
		}

		if err := l.dial(); err != nil {
			log.Printf("[simlink] %s: reconnect failed: %v", l.name, err)
			continue
		}

		return
	}
}

// Close permanently closes the link. Idempotent; no reconnection is
// attempted afterwards.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.state = StateDisconnected
	if l.stopReconnect != nil {
		l.stopReconnect()
		l.stopReconnect = nil
	}
	if l.connCancel != nil {
		l.connCancel()
		l.connCancel = nil
	}
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		l.send = nil
		return err
	}
	return nil
}

// Status returns a snapshot of the link state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:        l.state,
		Attempts:     l.reconnectAttempts,
		LastActivity: l.lastActivity,
	}
}

// ─────────────────────────────────────────────
// Outbound
// ─────────────────────────────────────────────

// SendAction transmits one control action.
func (l *Link) SendAction(action []float64) error {
	return l.sendEnvelope(model.MsgAction, model.ActionPayload{Action: action})
}

// SendReset requests a simulation reset.
func (l *Link) SendReset() error {
	return l.sendEnvelope(model.MsgReset, struct{}{})
}

// SendPlantClassification publishes one classification result.
func (l *Link) SendPlantClassification(res model.PlantClassification) error {
	return l.sendEnvelope(model.MsgPlantClassification, res)
}

// SendError reports a processing failure back to the simulation.
func (l *Link) SendError(message string) error {
	return l.sendEnvelope(model.MsgError, model.ErrorPayload{Message: message})
}

func (l *Link) sendEnvelope(t model.MsgType, payload interface{}) error {
	data, err := json.Marshal(model.Envelope{
		Type:      t,
		Data:      payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t, err)
	}

	l.mu.Lock()
	send := l.send
	connected := l.state == StateConnected
	l.mu.Unlock()

	if !connected || send == nil {
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// ─────────────────────────────────────────────
// Pumps
// ─────────────────────────────────────────────

func (l *Link) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[simlink] %s: read error: %v", l.name, err)
			}
			return
		}

		l.mu.Lock()
		l.lastActivity = time.Now()
		l.mu.Unlock()

		l.dispatch(ctx, message)
	}
}

func (l *Link) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, onDisconnect func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		onDisconnect()
	}()

	for {
		select {
		case message, ok := <-send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch decodes one frame and routes it to the registered handler.
// Malformed frames are logged and dropped; they never tear down the link.
func (l *Link) dispatch(ctx context.Context, data []byte) {
	var env struct {
		Type      model.MsgType   `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp float64         `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[simlink] %s: invalid message: %v", l.name, err)
		return
	}

	if env.Type == model.MsgPing {
		if err := l.sendEnvelope(model.MsgPong, struct{}{}); err != nil {
			log.Printf("[simlink] %s: pong failed: %v", l.name, err)
		}
		return
	}

	fn, ok := l.handlers[env.Type]
	if !ok {
		log.Printf("[simlink] %s: unknown message type: %s", l.name, env.Type)
		return
	}

	fn(ctx, &model.Inbound{
		Type:      env.Type,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	})
}
