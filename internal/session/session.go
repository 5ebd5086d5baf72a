// Package session keeps one client's connection to the relay: it opens the
// transport, tracks connection state and the participant count, hands
// relayed events to the client's UI loop and tears everything down on close.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	boardnet "sketchweave/internal/net"
	"sketchweave/internal/state"
)

var (
	ErrNotConnected  = errors.New("session is not connected")
	ErrClosed        = errors.New("session was closed")
	ErrSuperseded    = errors.New("session open was superseded by a newer open")
	ErrSendQueueFull = errors.New("session send queue is full")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Settings struct {
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	SendQueueSize    int
	// CountHighlight is how long a participant count change stays
	// "recently changed" for display purposes.
	CountHighlight time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		SendQueueSize:    256,
		CountHighlight:   3 * time.Second,
		RetryBase:        500 * time.Millisecond,
		RetryMax:         10 * time.Second,
	}
}

// Dispatcher runs work on the client's UI loop. Post returns false when the
// loop no longer accepts work.
type Dispatcher interface {
	Post(fn func()) bool
}

// InlineDispatcher runs work on the calling goroutine.
type InlineDispatcher struct{}

func (InlineDispatcher) Post(fn func()) bool {
	fn()
	return true
}

// Handlers receive relayed events on the dispatcher. Any may be nil.
type Handlers struct {
	OnDrawLine         func(boardnet.DrawLine)
	OnClear            func()
	OnCursor           func(boardnet.Cursor)
	OnUserConnected    func(connectionID string)
	OnUserDisconnected func(connectionID string)
	OnStatus           func(Status)
}

// Status is the observable state of a session.
type Status struct {
	State     State
	Connected bool
	// UserCount includes this client and is never below one.
	UserCount int
	// RecentlyChanged is for display prominence only.
	RecentlyChanged bool
}

// Session owns at most one transport handle at a time.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	baseURL    *url.URL
	settings   *Settings
	dispatcher Dispatcher
	handlers   Handlers
	httpClient *http.Client
	dialer     *websocket.Dialer
	now        func() time.Time

	mu             sync.Mutex
	state          State
	userCount      int
	countChangedAt time.Time
	handle         *handle
	openCancel     context.CancelFunc
	highlight      *time.Timer
	// generation is bumped by every Open and Close so a superseded Open
	// can tell its result is no longer wanted. closedAt is the generation
	// the last Close produced.
	generation uint64
	closedAt   uint64
}

func NewSessionWithDefaults(ctx context.Context, baseURL string, dispatcher Dispatcher, handlers Handlers) (*Session, error) {
	return NewSession(ctx, baseURL, dispatcher, handlers, DefaultSettings())
}

// NewSession creates an idle session for the relay at baseURL
// (http://host:port or https://host:port).
func NewSession(ctx context.Context, baseURL string, dispatcher Dispatcher, handlers Handlers, settings *Settings) (*Session, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad relay url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("bad relay url %q: scheme must be http or https", baseURL)
	}
	if dispatcher == nil {
		dispatcher = InlineDispatcher{}
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		baseURL:    u,
		settings:   settings,
		dispatcher: dispatcher,
		handlers:   handlers,
		httpClient: &http.Client{Timeout: settings.HandshakeTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.DialTimeout,
		},
		now:       time.Now,
		state:     StateIdle,
		userCount: 1,
	}, nil
}

func (s *Session) connectionURL() string {
	u := *s.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.JoinPath(boardnet.ConnectionPath).String()
}

// handshake lets the relay provision itself before the connection opens.
// Failure is logged and otherwise ignored.
func (s *Session) handshake(ctx context.Context) {
	u := s.baseURL.JoinPath(boardnet.HandshakePath).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		glog.Infof("[session]handshake request error = %s", err)
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		glog.Infof("[session]handshake error = %s", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		glog.Infof("[session]handshake status = %d", resp.StatusCode)
	}
}

// Open connects to the relay. Any previous handle is released first, so
// every call produces a fresh, independently closable transport. A Close
// while Open is in flight cancels it and Open returns ErrClosed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.releaseLocked()
	if s.openCancel != nil {
		s.openCancel()
	}
	s.generation++
	generation := s.generation
	openCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.openCancel = cancel
	s.state = StateConnecting
	s.mu.Unlock()
	defer func() {
		stop()
		cancel()
	}()

	if previous != nil {
		previous.close()
	}
	s.publish()

	s.handshake(openCtx)
	conn, _, err := s.dialer.DialContext(openCtx, s.connectionURL(), nil)

	s.mu.Lock()
	if generation != s.generation {
		closed := s.closedAt > generation
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if closed {
			return ErrClosed
		}
		return ErrSuperseded
	}
	s.openCancel = nil
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.publish()
		glog.Infof("[session]connect error = %s", err)
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	h := newHandle(s.ctx, conn, s.settings.SendQueueSize)
	s.handle = h
	s.state = StateConnected
	s.mu.Unlock()

	h.wg.Add(2)
	go s.writeLoop(h)
	go s.readLoop(h)
	glog.Infof("[session]connected to %s", s.baseURL)
	s.publish()
	return nil
}

// Close releases the transport on every path: after a successful Open,
// during an Open, or when Open never ran. It waits for the transport
// goroutines to finish. The session may be opened again afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	s.closedAt = s.generation
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	h := s.releaseLocked()
	changed := false
	if s.state != StateIdle && s.state != StateDisconnected {
		s.state = StateDisconnected
		changed = true
	}
	s.mu.Unlock()

	if h != nil {
		h.close()
	}
	if changed {
		s.publish()
	}
}

// Shutdown closes the session for good.
func (s *Session) Shutdown() {
	s.cancel()
	s.Close()
	s.mu.Lock()
	if s.highlight != nil {
		s.highlight.Stop()
	}
	s.mu.Unlock()
}

// releaseLocked detaches the current handle and marks it dead. The caller
// waits for it outside the lock.
func (s *Session) releaseLocked() *handle {
	h := s.handle
	s.handle = nil
	if h != nil {
		h.invalidate()
	}
	return h
}

// lost is called by a transport goroutine when its connection fails.
func (s *Session) lost(h *handle, err error) {
	h.invalidate()
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	glog.Infof("[session]disconnected: %s", err)
	s.publish()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	recent := !s.countChangedAt.IsZero() && s.now().Sub(s.countChangedAt) < s.settings.CountHighlight
	return Status{
		State:           s.state,
		Connected:       s.state == StateConnected,
		UserCount:       s.userCount,
		RecentlyChanged: recent,
	}
}

// publish posts the status as it is when the posted work runs, so updates
// from different goroutines cannot arrive out of order.
func (s *Session) publish() {
	if s.handlers.OnStatus == nil {
		return
	}
	s.dispatcher.Post(func() {
		s.handlers.OnStatus(s.Status())
	})
}

func (s *Session) setUserCount(h *handle, n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	if s.userCount != n {
		s.userCount = n
		s.countChangedAt = s.now()
		// republish once the change stops being recent
		if s.highlight != nil {
			s.highlight.Stop()
		}
		if s.ctx.Err() == nil {
			s.highlight = time.AfterFunc(s.settings.CountHighlight, s.publish)
		}
	}
	s.mu.Unlock()
	s.publish()
}

// SendSegment relays a locally captured segment.
func (s *Session) SendSegment(seg state.Segment) error {
	return s.send(boardnet.EventDrawLine, boardnet.NewDrawLine(seg))
}

// SendClear relays a clear instruction.
func (s *Session) SendClear() error {
	return s.send(boardnet.EventClearCanvas, struct{}{})
}

// SendCursor relays the local pointer position.
func (s *Session) SendCursor(x, y float64) error {
	return s.send(boardnet.EventCursorMove, boardnet.Cursor{X: x, Y: y})
}

func (s *Session) send(eventType string, data any) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil || !h.live.Load() {
		return ErrNotConnected
	}
	msg, err := boardnet.Encode(eventType, data)
	if err != nil {
		return err
	}
	select {
	case <-h.ctx.Done():
		return ErrNotConnected
	case h.send <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(s.settings.WriteTimeout)
	defer timer.Stop()
	select {
	case h.send <- msg:
		return nil
	case <-h.ctx.Done():
		return ErrNotConnected
	case <-timer.C:
	}
	// the frame is never dropped while staying connected
	glog.Warningf("[session]send queue stuck for %s, dropping connection", s.settings.WriteTimeout)
	h.invalidate()
	// send may run on the dispatcher's loop, which lost posts to
	go s.lost(h, ErrSendQueueFull)
	return ErrSendQueueFull
}

// handle is one transport connection. Once invalidated it never becomes
// live again; a reconnect creates a new handle.
type handle struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	live   atomic.Bool
	send   chan []byte
	wg     sync.WaitGroup
}

func newHandle(ctx context.Context, conn *websocket.Conn, queueSize int) *handle {
	cancelCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		conn:   conn,
		ctx:    cancelCtx,
		cancel: cancel,
		send:   make(chan []byte, queueSize),
	}
	h.live.Store(true)
	return h
}

func (h *handle) invalidate() {
	h.live.Store(false)
	h.cancel()
}

func (h *handle) close() {
	h.invalidate()
	h.wg.Wait()
}

func (s *Session) writeLoop(h *handle) {
	defer h.wg.Done()
	defer h.conn.Close()

	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := h.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.lost(h, err)
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.lost(h, err)
				return
			}
		}
	}
}

func (s *Session) readLoop(h *handle) {
	defer h.wg.Done()
	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			s.lost(h, err)
			return
		}
		if !h.live.Load() {
			return
		}
		env, err := boardnet.Decode(raw)
		if err != nil {
			glog.Warningf("[session]drop: %s", err)
			continue
		}
		s.handleEvent(h, env)
	}
}

func (s *Session) handleEvent(h *handle, env boardnet.Envelope) {
	switch env.Type {
	case boardnet.EventUserCount:
		var n int
		if err := env.DecodeData(&n); err != nil {
			glog.Warningf("[session]drop %s: %s", env.Type, err)
			return
		}
		s.setUserCount(h, n)
	case boardnet.EventUserConnected, boardnet.EventUserDisconnected:
		var id string
		if err := env.DecodeData(&id); err != nil {
			glog.Warningf("[session]drop %s: %s", env.Type, err)
			return
		}
		glog.V(1).Infof("[session]%s %s", env.Type, id)
		handler := s.handlers.OnUserConnected
		if env.Type == boardnet.EventUserDisconnected {
			handler = s.handlers.OnUserDisconnected
		}
		if handler != nil {
			s.post(h, func() { handler(id) })
		}
	case boardnet.EventDrawLine:
		var m boardnet.DrawLine
		if err := env.DecodeData(&m); err != nil {
			glog.Warningf("[session]drop %s: %s", env.Type, err)
			return
		}
		if s.handlers.OnDrawLine != nil {
			s.post(h, func() { s.handlers.OnDrawLine(m) })
		}
	case boardnet.EventClearCanvas:
		if s.handlers.OnClear != nil {
			s.post(h, s.handlers.OnClear)
		}
	case boardnet.EventCursorMove:
		var m boardnet.Cursor
		if err := env.DecodeData(&m); err != nil {
			glog.Warningf("[session]drop %s: %s", env.Type, err)
			return
		}
		if s.handlers.OnCursor != nil {
			s.post(h, func() { s.handlers.OnCursor(m) })
		}
	default:
		glog.V(1).Infof("[session]ignore %s", env.Type)
	}
}

// post hands fn to the UI loop. The handle is checked again on the loop,
// so nothing relayed is applied once the session has let go of it.
func (s *Session) post(h *handle, fn func()) {
	ok := s.dispatcher.Post(func() {
		if !h.live.Load() {
			return
		}
		fn()
	})
	if !ok {
		glog.V(1).Infof("[session]dispatcher closed, event dropped")
	}
}
