package net

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"sketchweave/internal/state"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + ConnectionPath
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	assert.Equal(t, nil, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	assert.Equal(t, nil, err)
	env, err := Decode(raw)
	assert.Equal(t, nil, err)
	return env
}

func waitForSize(t *testing.T, relay *Relay, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for relay.Registry().Size() != n {
		if time.Now().After(deadline) {
			t.Fatalf("registry size %d, want %d", relay.Registry().Size(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayOverWebsocket(t *testing.T) {
	relay := NewRelayWithDefaults(context.Background())
	srv := httptest.NewServer(NewRouter(relay))
	defer srv.Close()
	defer relay.Close()

	a := dialRelay(t, srv)
	defer a.Close()
	env := readEnvelope(t, a)
	assert.Equal(t, EventUserCount, env.Type)
	assert.Equal(t, 1, countOf(t, env))
	aID := relay.Registry().Records()[0].ConnectionID

	b := dialRelay(t, srv)
	defer b.Close()
	env = readEnvelope(t, b)
	assert.Equal(t, 2, countOf(t, env))
	env = readEnvelope(t, a)
	assert.Equal(t, EventUserConnected, env.Type)
	bID := idOf(t, env)
	assert.Equal(t, 2, countOf(t, readEnvelope(t, a)))

	c := dialRelay(t, srv)
	defer c.Close()
	assert.Equal(t, 3, countOf(t, readEnvelope(t, c)))
	for _, conn := range []*websocket.Conn{a, b} {
		env = readEnvelope(t, conn)
		assert.Equal(t, EventUserConnected, env.Type)
		assert.Equal(t, 3, countOf(t, readEnvelope(t, conn)))
	}

	msg, err := Encode(EventDrawLine, NewDrawLine(state.Segment{Current: state.Point{X: 10, Y: 10, Pressure: 1}}))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, a.WriteMessage(websocket.TextMessage, msg))
	for _, conn := range []*websocket.Conn{b, c} {
		env = readEnvelope(t, conn)
		assert.Equal(t, EventDrawLine, env.Type)
		var m DrawLine
		assert.Equal(t, nil, env.DecodeData(&m))
		assert.Equal(t, aID, m.ID)
		assert.Equal(t, 10.0, m.CurrentPoint.X)
	}

	b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.Close()
	for _, conn := range []*websocket.Conn{a, c} {
		env = readEnvelope(t, conn)
		assert.Equal(t, EventUserDisconnected, env.Type)
		assert.Equal(t, bID, idOf(t, env))
		assert.Equal(t, 2, countOf(t, readEnvelope(t, conn)))
	}
	waitForSize(t, relay, 2)

	// no echo: A never sees its own segment
	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = a.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func TestRelayHandshake(t *testing.T) {
	relay := NewRelayWithDefaults(context.Background())
	srv := httptest.NewServer(NewRouter(relay))
	defer srv.Close()
	defer relay.Close()

	assert.Equal(t, false, relay.Provisioned())
	resp, err := http.Get(srv.URL + HandshakePath)
	assert.Equal(t, nil, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, relay.Provisioned())
}

func TestRelayCloseDisconnectsPeers(t *testing.T) {
	relay := NewRelayWithDefaults(context.Background())
	srv := httptest.NewServer(NewRouter(relay))
	defer srv.Close()

	a := dialRelay(t, srv)
	defer a.Close()
	readEnvelope(t, a)
	waitForSize(t, relay, 1)

	relay.Close()
	assert.Equal(t, 0, relay.Registry().Size())

	a.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := a.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func TestRelayEvictsPeerWithStaleFrame(t *testing.T) {
	settings := DefaultRelaySettings()
	settings.StallTimeout = 50 * time.Millisecond
	relay := NewRelay(context.Background(), settings)
	srv := httptest.NewServer(NewRouter(relay))
	defer srv.Close()
	defer relay.Close()

	a := dialRelay(t, srv)
	defer a.Close()
	readEnvelope(t, a)
	waitForSize(t, relay, 1)

	// a frame that sat in the queue past the stall timeout
	p := relay.registry.all()[0]
	p.send <- frame{msg: mustEncode(EventClearCanvas, struct{}{}), queuedAt: time.Now().Add(-time.Second)}

	waitForSize(t, relay, 0)
	a.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := a.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func TestRelayConcurrentSendersAndChurn(t *testing.T) {
	relay := NewRelayWithDefaults(context.Background())
	srv := httptest.NewServer(NewRouter(relay))
	defer srv.Close()
	defer relay.Close()

	const clients = 12
	const perSender = 50
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = dialRelay(t, srv)
		defer conns[i].Close()
	}
	waitForSize(t, relay, clients)

	type received struct {
		xs  map[string][]float64
		err error
	}
	results := make(chan received, clients)
	for _, conn := range conns {
		go func(conn *websocket.Conn) {
			res := received{xs: map[string][]float64{}}
			for got := 0; got < (clients-1)*perSender; {
				conn.SetReadDeadline(time.Now().Add(10 * time.Second))
				_, raw, err := conn.ReadMessage()
				if err != nil {
					res.err = err
					break
				}
				env, err := Decode(raw)
				if err != nil {
					res.err = err
					break
				}
				if env.Type != EventDrawLine {
					continue
				}
				var m DrawLine
				if err := env.DecodeData(&m); err != nil {
					res.err = err
					break
				}
				res.xs[m.ID] = append(res.xs[m.ID], m.CurrentPoint.X)
				got++
			}
			results <- res
		}(conn)
	}

	// participants come and go while everyone draws
	var churn sync.WaitGroup
	for i := 0; i < 20; i++ {
		churn.Add(1)
		go func() {
			defer churn.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			conn.Close()
		}()
	}

	var senders sync.WaitGroup
	for _, conn := range conns {
		senders.Add(1)
		go func(conn *websocket.Conn) {
			defer senders.Done()
			for i := 0; i < perSender; i++ {
				msg, _ := Encode(EventDrawLine, NewDrawLine(state.Segment{Current: state.Point{X: float64(i), Y: 1, Pressure: 1}}))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}(conn)
	}
	senders.Wait()
	churn.Wait()

	for range conns {
		res := <-results
		assert.Equal(t, nil, res.err)
		assert.Equal(t, clients-1, len(res.xs))
		for id, xs := range res.xs {
			assert.Equal(t, perSender, len(xs))
			for i, x := range xs {
				if x != float64(i) {
					t.Fatalf("segments from %s out of order: %v", id, xs)
				}
			}
		}
	}
	waitForSize(t, relay, clients)
}
