package net

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// RelaySettings tunes the per-connection transport.
type RelaySettings struct {
	// SendQueueSize caps each peer's outbound queue in frames. It bounds
	// memory and sits well above burst load; a peer that overflows it is
	// evicted.
	SendQueueSize int
	// StallTimeout is how long a frame may wait in a peer's queue before
	// the peer counts as stalled and is evicted.
	StallTimeout   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultRelaySettings() *RelaySettings {
	readTimeout := 60 * time.Second
	return &RelaySettings{
		SendQueueSize:  8192,
		StallTimeout:   10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    readTimeout,
		PingInterval:   readTimeout * 9 / 10,
		MaxMessageSize: 16 * 1024,
	}
}

// peer is one connected participant as the relay sees it.
type peer struct {
	record ParticipantRecord
	conn   *websocket.Conn

	// send is never closed; the write pump stops on closed instead so a
	// late enqueue from a concurrent broadcast cannot panic.
	send      chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, queueSize int) *peer {
	return &peer{
		record: ParticipantRecord{
			ConnectionID: id,
			ConnectedAt:  time.Now(),
		},
		conn:   conn,
		send:   make(chan frame, queueSize),
		closed: make(chan struct{}),
	}
}

func (p *peer) id() string {
	return p.record.ConnectionID
}

// frame is a queued outbound message stamped with when it was queued.
type frame struct {
	msg      []byte
	queuedAt time.Time
}

// enqueue places a frame on the outbound queue without blocking.
func (p *peer) enqueue(msg []byte) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.send <- frame{msg: msg, queuedAt: time.Now()}:
		return true
	default:
		return false
	}
}

// kick stops the write pump, which closes the connection and in turn ends
// the read pump. Safe to call any number of times.
func (p *peer) kick() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue onto the connection and keeps the
// connection alive with pings.
func (p *peer) writePump(settings *RelaySettings) {
	ticker := time.NewTicker(settings.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case f := <-p.send:
			if waited := time.Since(f.queuedAt); waited > settings.StallTimeout {
				glog.Infof("[relay]evict %s: stalled, frame waited %s", p.id(), waited)
				p.kick()
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, f.msg); err != nil {
				glog.Infof("[relay]%s-> error = %s", p.id(), err)
				p.kick()
				return
			}
			glog.V(2).Infof("[relay]%s->", p.id())
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.kick()
				return
			}
		case <-p.closed:
			p.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames until the connection fails and hands each one to
// handle. Per-connection order is preserved because handle runs inline.
func (p *peer) readPump(settings *RelaySettings, handle func(raw []byte)) error {
	p.conn.SetReadLimit(settings.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		p.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[relay]other=%d %s<-", messageType, p.id())
			continue
		}
		handle(message)
	}
}
