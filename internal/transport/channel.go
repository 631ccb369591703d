// Package transport keeps the single long-lived event connection to the
// backend. It speaks the Socket.IO v4 wire format over a websocket, redials
// with a bounded backoff policy and announces a stable session id after every
// (re)connect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taqeem-console/internal/logger"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 20 * time.Second

	// EventUserIdentified is emitted with the session id after every connect.
	EventUserIdentified = "user_identified"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: channel closed")
)

// State is a connection lifecycle transition.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Channel.
type Options struct {
	URL         string // http(s) or ws(s) base URL of the backend
	Path        string // Engine.IO path, "/socket.io/" by default
	RetryDelay  time.Duration
	MaxAttempts int
	MaxBackoff  time.Duration
	SessionID   string // reused when set, generated otherwise
	Header      http.Header
	Dialer      *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.RetryDelay {
		o.MaxBackoff = o.RetryDelay
	}
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return o
}

// Backoff returns the delay before reconnection attempt n (1-based): the
// retry delay doubled per attempt and capped at MaxBackoff.
func (o Options) Backoff(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := o.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	if d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

// NewSessionID returns a fresh per-session identifier.
func NewSessionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), id[:9])
}

// Channel is the event connection. Handlers run one at a time on the read
// goroutine, in arrival order.
type Channel struct {
	opts     Options
	endpoint string
	session  string
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string]map[int]func(json.RawMessage)
	anys     map[int]func(string, json.RawMessage)
	states   map[int]func(State)
	nextID   int

	connMu   sync.Mutex
	conn     *websocket.Conn
	socketID string
	writeMu  sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool

	// lifeMu orders Connect against Close
	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChannel validates opts and returns an unconnected channel.
func NewChannel(opts Options, log *logger.Logger) (*Channel, error) {
	opts = opts.withDefaults()
	endpoint, err := endpointURL(opts.URL, opts.Path)
	if err != nil {
		return nil, err
	}
	session := opts.SessionID
	if session == "" {
		session = NewSessionID()
	}
	return &Channel{
		opts:     opts,
		endpoint: endpoint,
		session:  session,
		log:      logger.OrDefault(log).Component("transport").With(logger.Fields{logger.FieldSessionID: session}),
		handlers: make(map[string]map[int]func(json.RawMessage)),
		anys:     make(map[int]func(string, json.RawMessage)),
		states:   make(map[int]func(State)),
		done:     make(chan struct{}),
	}, nil
}

// SessionID is announced to the server on every connect.
func (c *Channel) SessionID() string { return c.session }

// IsConnected reports whether the handshake of the current connection
// completed and it has not dropped since.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// SocketID is the server-assigned id of the current connection.
func (c *Channel) SocketID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.socketID
}

// Connect starts the connection loop in the background. It returns
// immediately; use WaitConnected or OnState to observe progress.
func (c *Channel) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// WaitConnected blocks until the channel is connected, gives up, or ctx ends.
func (c *Channel) WaitConnected(ctx context.Context) error {
	ready := make(chan State, 1)
	off := c.OnState(func(s State) {
		if s == StateConnected || s == StateFailed {
			select {
			case ready <- s:
			default:
			}
		}
	})
	defer off()

	if c.IsConnected() {
		return nil
	}
	select {
	case s := <-ready:
		if s == StateFailed {
			return fmt.Errorf("transport: reconnection attempts exhausted")
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a disconnect, stops reconnecting, drops every listener and
// waits for the read loop to exit.
func (c *Channel) Close() error {
	c.lifeMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.lifeMu.Unlock()
		return nil
	}
	started, cancel := c.started, c.cancel
	c.lifeMu.Unlock()

	if c.IsConnected() {
		_ = c.writeFrame(encodeDisconnect())
	}
	if cancel != nil {
		cancel()
	}
	c.closeConn()
	if started {
		<-c.done
	}

	c.mu.Lock()
	c.handlers = make(map[string]map[int]func(json.RawMessage))
	c.anys = make(map[int]func(string, json.RawMessage))
	c.states = make(map[int]func(State))
	c.mu.Unlock()

	c.log.Info("Channel closed")
	return nil
}

// On registers fn for the named event and returns its deregistration.
func (c *Channel) On(event string, fn func(data json.RawMessage)) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][id] = fn
	c.mu.Unlock()

	return c.offFunc(func() {
		if hs := c.handlers[event]; hs != nil {
			delete(hs, id)
			if len(hs) == 0 {
				delete(c.handlers, event)
			}
		}
	})
}

// OnAny registers fn for every inbound event.
func (c *Channel) OnAny(fn func(event string, data json.RawMessage)) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.anys[id] = fn
	c.mu.Unlock()

	return c.offFunc(func() { delete(c.anys, id) })
}

// OnState registers fn for lifecycle transitions.
func (c *Channel) OnState(fn func(State)) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.states[id] = fn
	c.mu.Unlock()

	return c.offFunc(func() { delete(c.states, id) })
}

// ListenerCount returns the number of registered event handlers, catch-all
// included. Lifecycle hooks are not counted.
func (c *Channel) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.anys)
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *Channel) offFunc(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			remove()
			c.mu.Unlock()
		})
	}
}

// Emit sends a named event with an optional payload.
func (c *Channel) Emit(event string, payload interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		return fmt.Errorf("transport: emit %s: %w", event, err)
	}
	c.log.WithField(logger.FieldEvent, event).Debug("Emitted event")
	return nil
}

func (c *Channel) writeFrame(frame []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		established, err := c.connectOnce(ctx, attempt)
		if ctx.Err() != nil {
			return
		}

		if established {
			attempt = 0
			if err != nil {
				c.log.WithError(err).Warn("Disconnected")
			} else {
				c.log.Info("Disconnected by server")
			}
		} else {
			c.log.WithError(err).WithField(logger.FieldAttempt, attempt).Error("Connection error")
		}

		attempt++
		if attempt > c.opts.MaxAttempts {
			c.log.Errorf("All %d reconnection attempts failed", c.opts.MaxAttempts)
			c.setState(StateFailed)
			return
		}

		delay := c.opts.Backoff(attempt)
		c.log.WithField(logger.FieldAttempt, attempt).Infof("Reconnection attempt %d in %v", attempt, delay)
		c.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials, completes the handshake and reads until the connection
// ends. established reports whether the handshake succeeded.
func (c *Channel) connectOnce(ctx context.Context, attempt int) (established bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	hs, sid, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.socketID = sid
	c.connMu.Unlock()
	c.connected.Store(true)

	if attempt > 0 {
		c.log.Infof("Reconnected after %d attempts", attempt)
	} else {
		c.log.WithField("socket_id", sid).Info("Connected")
	}

	if err := c.Emit(EventUserIdentified, c.session); err != nil {
		c.log.WithError(err).Warn("Failed to announce session")
	}
	c.setState(StateConnected)

	err = c.readLoop(conn, hs)

	c.connected.Store(false)
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	conn.Close()
	c.setState(StateDisconnected)

	return true, err
}

func (c *Channel) handshake(conn *websocket.Conn) (handshake, string, error) {
	var hs handshake
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	p, err := readPacket(conn)
	if err != nil {
		return hs, "", fmt.Errorf("read open packet: %w", err)
	}
	if p.eio != eioOpen {
		return hs, "", fmt.Errorf("expected open packet, got %q", p.eio)
	}
	if err := json.Unmarshal(p.data, &hs); err != nil {
		return hs, "", fmt.Errorf("parse open packet: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, encodeConnect()); err != nil {
		return hs, "", fmt.Errorf("send connect: %w", err)
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return hs, "", fmt.Errorf("await connect: %w", err)
		}
		switch {
		case p.eio == eioPing:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, encodePong()); err != nil {
				return hs, "", err
			}
		case p.eio == eioMessage && p.sio == sioConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(p.data) > 0 {
				_ = json.Unmarshal(p.data, &ack)
			}
			return hs, ack.SID, nil
		case p.eio == eioMessage && p.sio == sioConnectError:
			return hs, "", fmt.Errorf("connect refused: %s", string(p.data))
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, hs handshake) error {
	idle := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		p, err := readPacket(conn)
		if err != nil {
			if errors.Is(err, errEmptyPacket) {
				continue
			}
			return err
		}

		switch p.eio {
		case eioPing:
			if err := c.writeFrame(encodePong()); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case eioClose:
			return nil
		case eioNoop, eioPong:
		case eioMessage:
			switch p.sio {
			case sioEvent:
				name, data, err := decodeEvent(p.data)
				if err != nil {
					c.log.WithError(err).Warn("Dropping malformed event")
					continue
				}
				c.dispatch(name, data)
			case sioDisconnect:
				return nil
			}
		}
	}
}

func readPacket(conn *websocket.Conn) (packet, error) {
	op, b, err := conn.ReadMessage()
	if err != nil {
		return packet{}, err
	}
	if op != websocket.TextMessage {
		return packet{}, errEmptyPacket
	}
	return decodePacket(b)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	anys := make([]func(string, json.RawMessage), 0, len(c.anys))
	for _, fn := range c.anys {
		anys = append(anys, fn)
	}
	hs := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		hs = append(hs, fn)
	}
	c.mu.RUnlock()

	for _, fn := range anys {
		c.safeCall(event, func() { fn(event, data) })
	}
	for _, fn := range hs {
		c.safeCall(event, func() { fn(data) })
	}
}

func (c *Channel) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField(logger.FieldEvent, event).Errorf("Event handler panic recovered: %v", r)
		}
	}()
	fn()
}

func (c *Channel) setState(s State) {
	c.mu.RLock()
	fns := make([]func(State), 0, len(c.states))
	for _, fn := range c.states {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		c.safeCall("state:"+s.String(), func() { fn(s) })
	}
}
