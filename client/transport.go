// Package client implements the calling side of the relay protocol: a
// reconnecting websocket transport, a WebRTC negotiation engine built on
// pion, and a call lifecycle manager tying the two together.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"ringlink/proto"
)

// Status reports whether the transport currently holds a live socket.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// Handler receives frames of the type it was registered for.
type Handler func(proto.Message)

const (
	defaultDialTimeout   = 8 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectMax  = 30 * time.Second
	defaultMaxReconnects = 8
)

// TransportConfig configures a Transport. URL and UserID are required.
type TransportConfig struct {
	URL    string
	UserID string
	Token  string

	DialTimeout   time.Duration
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int

	Logger *zerolog.Logger
}

func (c *TransportConfig) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
}

// Transport is a reconnecting websocket connection to the relay. It announces
// the user identity on every (re)connect, answers relay pings, and dispatches
// incoming frames to registered handlers. Messages are never queued while
// disconnected; Send during an outage is dropped with a warning.
type Transport struct {
	cfg TransportConfig
	log *zerolog.Logger

	mu           sync.Mutex
	ws           *websocket.Conn
	cancelRead   context.CancelFunc
	status       Status
	handlers     map[proto.Type]map[int]Handler
	statusSubs   map[int]func(Status)
	nextID       int
	reconnecting bool
	closed       bool

	// dial is swapped out in tests to avoid real sockets.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

// NewTransport builds a transport. It does not connect; call Connect.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("transport: UserID is required")
	}
	cfg.fillDefaults()
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	t := &Transport{
		cfg:        cfg,
		log:        logger,
		handlers:   make(map[proto.Type]map[int]Handler),
		statusSubs: make(map[int]func(Status)),
	}
	t.dial = func(ctx context.Context) (*websocket.Conn, error) {
		ws, _, err := websocket.Dial(ctx, cfg.URL, nil)
		return ws, err
	}
	return t, nil
}

// Connect dials the relay and announces the user identity. The dial is bounded
// by the configured timeout. After a successful Connect the transport keeps
// itself connected until Close, redialing with exponential backoff whenever
// the socket drops.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport: closed")
	}
	if t.ws != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.connectOnce(ctx)
}

func (t *Transport) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	ws, err := t.dial(dialCtx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	hello := proto.Message{
		Type:   proto.TypeConnect,
		UserID: t.cfg.UserID,
		Token:  t.cfg.Token,
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, t.cfg.DialTimeout)
	err = wsjson.Write(writeCtx, ws, hello)
	cancelWrite()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("announce identity: %w", err)
	}

	readCtx, cancelRead := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancelRead()
		ws.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("transport: closed")
	}
	t.ws = ws
	t.cancelRead = cancelRead
	t.setStatusLocked(StatusConnected)
	t.mu.Unlock()

	go t.readLoop(readCtx, ws)
	go t.pingLoop(readCtx, ws)
	return nil
}

// Send transmits a frame on the current socket. While disconnected the frame
// is dropped, a warning is logged, and a reconnect is kicked off if one is not
// already running.
func (t *Transport) Send(msg proto.Message) {
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()

	if ws == nil {
		t.log.Warn().Str("type", string(msg.Type)).Msg("send while disconnected, frame dropped")
		t.maybeReconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("send failed")
	}
}

// On registers a handler for frames of the given type. Multiple handlers may
// be registered for one type; each is invoked in its own right. The returned
// function removes the handler.
func (t *Transport) On(typ proto.Type, h Handler) (off func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[typ] == nil {
		t.handlers[typ] = make(map[int]Handler)
	}
	id := t.nextID
	t.nextID++
	t.handlers[typ][id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if hs := t.handlers[typ]; hs != nil {
			delete(hs, id)
		}
	}
}

// OnStatus registers a connectivity listener. It is invoked on every
// transition between connected and disconnected. The returned function
// removes the listener.
func (t *Transport) OnStatus(f func(Status)) (off func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.statusSubs[id] = f
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.statusSubs, id)
	}
}

// Status reports the current connectivity.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Close shuts the transport down for good: the socket is closed, no reconnect
// is attempted, and all handlers are dropped.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ws := t.ws
	cancel := t.cancelRead
	t.ws = nil
	t.cancelRead = nil
	t.setStatusLocked(StatusDisconnected)
	t.handlers = make(map[proto.Type]map[int]Handler)
	t.statusSubs = make(map[int]func(Status))
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

func (t *Transport) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		var msg proto.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			t.handleDrop(ws, err)
			return
		}
		t.dispatch(msg)
	}
}

func (t *Transport) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.ws
			t.mu.Unlock()
			if current != ws {
				return
			}
			t.Send(proto.Message{Type: proto.TypePing, Timestamp: proto.Now()})
		}
	}
}

func (t *Transport) dispatch(msg proto.Message) {
	// Relay liveness probes are answered here so callers never see them.
	if msg.Type == proto.TypePing {
		t.Send(proto.Message{Type: proto.TypePong, Timestamp: proto.Now()})
		return
	}

	t.mu.Lock()
	hs := make([]Handler, 0, len(t.handlers[msg.Type]))
	for _, h := range t.handlers[msg.Type] {
		hs = append(hs, h)
	}
	t.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}

// handleDrop is called when the read loop exits. If the drop was not caused
// by Close, a reconnect is started.
func (t *Transport) handleDrop(ws *websocket.Conn, err error) {
	t.mu.Lock()
	if t.ws != ws {
		// Already superseded or closed; nothing to do.
		t.mu.Unlock()
		return
	}
	t.ws = nil
	if t.cancelRead != nil {
		t.cancelRead()
		t.cancelRead = nil
	}
	closed := t.closed
	t.setStatusLocked(StatusDisconnected)
	t.mu.Unlock()

	ws.Close(websocket.StatusInternalError, "")
	if closed {
		return
	}
	t.log.Warn().Err(err).Msg("socket dropped")
	t.maybeReconnect()
}

// maybeReconnect starts the backoff loop unless one is already running or the
// transport was closed by the user.
func (t *Transport) maybeReconnect() {
	t.mu.Lock()
	if t.closed || t.reconnecting || t.ws != nil {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	go t.reconnectLoop()
}

func (t *Transport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	for attempt := 0; attempt < t.cfg.MaxReconnects; attempt++ {
		delay := backoffDelay(t.cfg.ReconnectBase, t.cfg.ReconnectMax, attempt)
		time.Sleep(delay)

		t.mu.Lock()
		if t.closed || t.ws != nil {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if err := t.connectOnce(context.Background()); err != nil {
			t.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			continue
		}
		t.log.Info().Int("attempt", attempt+1).Msg("reconnected")
		return
	}
	t.log.Error().Int("attempts", t.cfg.MaxReconnects).Msg("reconnect attempts exhausted, staying offline")
}

// setStatusLocked updates status and notifies listeners. Caller holds mu.
// Listeners are invoked on a fresh goroutine so they may call back into the
// transport.
func (t *Transport) setStatusLocked(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	for _, f := range t.statusSubs {
		go f(s)
	}
}
