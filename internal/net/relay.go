package net

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Relay fans drawing events out from each sender to every other connected
// participant. It keeps no canvas state: a late joiner sees a blank surface
// and the participant count, never a backfilled drawing.
//
// Sender ids are whatever id the relay assigned to the connection. Senders
// are not authenticated.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings
	registry *Registry
	upgrader websocket.Upgrader

	provisionOnce sync.Once
	provisioned   atomic.Bool

	handlers map[string]eventHandler

	// connections tracks serve goroutines so Close can wait for them.
	// closeMu orders connections.Add against Close.
	closeMu     sync.Mutex
	connections sync.WaitGroup
}

type eventHandler func(p *peer, env Envelope) error

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	r := &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	r.handlers = map[string]eventHandler{
		EventDrawLine:    r.handleDrawLine,
		EventClearCanvas: r.handleClearCanvas,
		EventCursorMove:  r.handleCursorMove,
	}
	return r
}

// Registry exposes the participant set for queries.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Provisioned reports whether the relay has been started by a handshake or
// a connection.
func (r *Relay) Provisioned() bool {
	return r.provisioned.Load()
}

func (r *Relay) provision() {
	r.provisionOnce.Do(func() {
		r.provisioned.Store(true)
		glog.Infof("[relay]provisioned")
	})
}

type handshakeResult struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
}

// HandleHandshake answers the best-effort request clients make before
// opening their persistent connection. The first one provisions the relay.
func (r *Relay) HandleHandshake(w http.ResponseWriter, req *http.Request) {
	r.provision()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(handshakeResult{
		Status:       "ok",
		Participants: r.registry.Size(),
	}); err != nil {
		glog.Infof("[relay]handshake write error = %s", err)
	}
}

// HandleConnection upgrades the request and serves the connection until it
// closes.
func (r *Relay) HandleConnection(w http.ResponseWriter, req *http.Request) {
	r.closeMu.Lock()
	if r.ctx.Err() != nil {
		r.closeMu.Unlock()
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}
	r.connections.Add(1)
	r.closeMu.Unlock()
	defer r.connections.Done()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s", err)
		return
	}
	r.provision()

	r.serve(newPeer(uuid.NewString(), conn, r.settings.SendQueueSize))
}

func (r *Relay) serve(p *peer) {
	r.onConnect(p)

	go p.writePump(r.settings)

	stop := context.AfterFunc(r.ctx, p.kick)
	defer stop()

	err := p.readPump(r.settings, func(raw []byte) {
		r.dispatch(p, raw)
	})
	p.kick()
	r.onDisconnect(p, disconnectReason(err))
}

func disconnectReason(err error) string {
	if err == nil {
		return "closed"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client closed"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Error()
	}
	return err.Error()
}

func (r *Relay) dispatch(p *peer, raw []byte) {
	env, err := Decode(raw)
	if err != nil {
		glog.Warningf("[relay]drop from %s: %s", p.id(), err)
		return
	}
	handler, ok := r.handlers[env.Type]
	if !ok {
		glog.Warningf("[relay]unknown event type %q from %s", env.Type, p.id())
		return
	}
	if err := handler(p, env); err != nil {
		glog.Warningf("[relay]drop %s from %s: %s", env.Type, p.id(), err)
	}
}

func (r *Relay) handleDrawLine(p *peer, env Envelope) error {
	var m DrawLine
	if err := env.DecodeData(&m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	r.onStrokeEvent(p, m)
	return nil
}

func (r *Relay) handleClearCanvas(p *peer, env Envelope) error {
	r.onClearEvent(p)
	return nil
}

func (r *Relay) handleCursorMove(p *peer, env Envelope) error {
	var m Cursor
	if err := env.DecodeData(&m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	r.onCursorEvent(p, m)
	return nil
}

// onConnect registers p, announces it to the existing peers and sends the
// new count to everyone including p.
func (r *Relay) onConnect(p *peer) {
	connected := mustEncode(EventUserConnected, p.id())
	r.registry.insert(p, func(others []*peer, count int) {
		countMsg := mustEncode(EventUserCount, count)
		for _, other := range others {
			r.deliver(other, connected)
			r.deliver(other, countMsg)
		}
		r.deliver(p, countMsg)
		glog.Infof("[relay]connected %s (%d present)", p.id(), count)
	})
}

// onStrokeEvent relays one segment to every other peer. The sender may
// already have disconnected; the event is relayed regardless.
func (r *Relay) onStrokeEvent(p *peer, m DrawLine) {
	m.ID = p.id()
	msg, err := Encode(EventDrawLine, m)
	if err != nil {
		glog.Errorf("[relay]encode draw-line from %s: %s", p.id(), err)
		return
	}
	r.broadcast(p.id(), msg)
}

// onClearEvent relays a clear instruction. The relay holds no canvas, so
// there is nothing to clear locally.
func (r *Relay) onClearEvent(p *peer) {
	r.broadcast(p.id(), mustEncode(EventClearCanvas, struct{}{}))
}

func (r *Relay) onCursorEvent(p *peer, m Cursor) {
	m.ID = p.id()
	msg, err := Encode(EventCursorMove, m)
	if err != nil {
		glog.Errorf("[relay]encode cursor-move from %s: %s", p.id(), err)
		return
	}
	r.broadcast(p.id(), msg)
}

// onDisconnect removes p and announces the departure. It returns false and
// emits nothing when p was already removed.
func (r *Relay) onDisconnect(p *peer, reason string) bool {
	disconnected := mustEncode(EventUserDisconnected, p.id())
	return r.registry.remove(p, func(remaining []*peer, count int) {
		countMsg := mustEncode(EventUserCount, count)
		for _, other := range remaining {
			r.deliver(other, disconnected)
			r.deliver(other, countMsg)
		}
		glog.Infof("[relay]disconnected %s (%s, %d present)", p.id(), reason, count)
	})
}

// broadcast queues msg for every peer except the sender. It never waits on
// a peer; one that stops reading is evicted by its write pump once a frame
// has waited StallTimeout.
func (r *Relay) broadcast(senderID string, msg []byte) {
	for _, other := range r.registry.others(senderID) {
		r.deliver(other, msg)
	}
}

// deliver never blocks. A full queue means the peer is over its memory cap
// and it is evicted.
func (r *Relay) deliver(p *peer, msg []byte) {
	if p.enqueue(msg) {
		return
	}
	if !p.isClosed() {
		glog.Infof("[relay]evict %s: send queue over capacity", p.id())
		p.kick()
	}
}

// Close disconnects every peer and waits for their connections to finish.
func (r *Relay) Close() {
	r.closeMu.Lock()
	r.cancel()
	r.closeMu.Unlock()
	r.connections.Wait()
}
