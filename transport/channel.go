package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fabchat/logger"
	"fabchat/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer = 256
)

// Lifecycle events are delivered through the same subscription API as
// server frames.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

var (
	// ErrNotConnected is returned by Emit while the socket is not open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSendBufferFull is returned by Emit when the writer is backed up.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// State is the connection state of a Channel
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Errored is transient; it is always followed by Disconnected.
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives the raw payload of a frame or lifecycle event
type Handler func(payload json.RawMessage)

// Subscription is the token returned by On, used to unsubscribe
type Subscription struct {
	Event string
	id    uint64
}

type subscriber struct {
	id uint64
	h  Handler
}

// Option configures a Channel
type Option func(*Channel)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Channel) { c.log = l }
}

func WithSendBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// Channel is a single long-lived, lazily connected websocket shared by the
// chat engine. Handlers run sequentially on the read goroutine.
type Channel struct {
	url        string
	dialer     *websocket.Dialer
	log        *logger.Logger
	sendBuffer int

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	identity string
	attempt  uint64

	subsMu sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
}

// New creates a disconnected channel for the given websocket URL
func New(rawURL string, opts ...Option) *Channel {
	c := &Channel{
		url:        rawURL,
		dialer:     websocket.DefaultDialer,
		sendBuffer: defaultSendBuffer,
		subs:       make(map[string][]subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log).With("component", "transport")
	return c
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the user id the channel was last connected with
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect opens the socket in the background with identity attached to the
// handshake. It is a no-op while connecting or connected. Failures are
// reported through EventConnectError, never returned.
func (c *Channel) Connect(identity string) {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.attempt++
	attempt := c.attempt
	c.identity = identity
	c.mu.Unlock()

	go c.dial(attempt, identity)
}

func (c *Channel) dial(attempt uint64, identity string) {
	target, err := handshakeURL(c.url, identity)
	var conn *websocket.Conn
	if err == nil {
		header := http.Header{}
		header.Set("X-User-ID", identity)
		conn, _, err = c.dialer.Dial(target, header)
	}

	c.mu.Lock()
	if c.attempt != attempt || c.state != Connecting {
		// Disconnect was called while dialing.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = Errored
		c.mu.Unlock()
		c.log.Warn("connect failed", "url", c.url, "error", err)
		c.fire(EventConnectError, errorPayload(err))
		c.settle(attempt)
		return
	}

	send := make(chan []byte, c.sendBuffer)
	done := make(chan struct{})
	c.conn = conn
	c.send = send
	c.done = done
	c.state = Connected
	c.mu.Unlock()

	c.log.Info("connected", "url", c.url, "userId", identity)
	c.fire(EventConnect, nil)

	go c.writePump(conn, send, done)
	go c.readPump(attempt, conn)
}

// settle moves an Errored attempt to Disconnected unless a newer attempt
// has already started.
func (c *Channel) settle(attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == attempt && c.state == Errored {
		c.state = Disconnected
	}
}

// Disconnect tears down the connection. Safe to call when disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.attempt++
	c.closeLocked()
	c.state = Disconnected
	c.mu.Unlock()

	if wasConnected {
		c.log.Info("disconnected", "reason", "client")
		c.fire(EventDisconnect, reasonPayload("client"))
	}
}

func (c *Channel) closeLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}

// Emit publishes an event without waiting for any reply
func (c *Channel) Emit(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(models.Frame{Type: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// On registers h for event. Subscriptions are additive.
func (c *Channel) On(event string, h Handler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextID++
	c.subs[event] = append(c.subs[event], subscriber{id: c.nextID, h: h})
	return Subscription{Event: event, id: c.nextID}
}

// Off removes a subscription. Unknown tokens are ignored.
func (c *Channel) Off(sub Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	list := c.subs[sub.Event]
	for i, s := range list {
		if s.id == sub.id {
			c.subs[sub.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[sub.Event]) == 0 {
		delete(c.subs, sub.Event)
	}
}

func (c *Channel) fire(event string, payload json.RawMessage) {
	c.subsMu.RLock()
	list := make([]subscriber, len(c.subs[event]))
	copy(list, c.subs[event])
	c.subsMu.RUnlock()

	for _, s := range list {
		c.invoke(event, s.h, payload)
	}
}

func (c *Channel) invoke(event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in handler", "event", event, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(payload)
}

func (c *Channel) readPump(attempt uint64, conn *websocket.Conn) {
	var readErr error
	defer func() { c.teardown(attempt, readErr) }()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if frame.Type == "" {
			continue
		}
		c.fire(frame.Type, frame.Payload)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// teardown runs when the read loop exits on its own (server close or
// network failure). A client-initiated Disconnect has already bumped the
// attempt counter, so nothing is left to do in that case.
func (c *Channel) teardown(attempt uint64, readErr error) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.closeLocked()
	unexpected := readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if unexpected {
		c.state = Errored
	} else {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if unexpected {
		c.log.Warn("connection lost", "error", readErr)
		c.fire(EventConnectError, errorPayload(readErr))
		c.settle(attempt)
	}
	c.log.Info("disconnected", "reason", "server")
	c.fire(EventDisconnect, reasonPayload("server"))
}

func handshakeURL(raw, identity string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("userId", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func errorPayload(err error) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return raw
}

func reasonPayload(reason string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return raw
}
