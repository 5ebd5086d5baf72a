package ui

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	boardnet "sketchweave/internal/net"
	"sketchweave/internal/session"
	"sketchweave/internal/state"
)

func pixels(b *Board) []byte {
	return b.Image().(*image.RGBA).Pix
}

func blank(b *Board) bool {
	for _, v := range pixels(b) {
		if v != 0xff {
			return false
		}
	}
	return true
}

// relayed sends a segment through the wire encoding the relay uses.
func relayed(t *testing.T, seg state.Segment) boardnet.DrawLine {
	m := boardnet.NewDrawLine(seg)
	m.ID = "peer"
	raw, err := boardnet.Encode(boardnet.EventDrawLine, m)
	assert.Equal(t, nil, err)
	env, err := boardnet.Decode(raw)
	assert.Equal(t, nil, err)
	var out boardnet.DrawLine
	assert.Equal(t, nil, env.DecodeData(&out))
	return out
}

func TestRenderOriginIndependence(t *testing.T) {
	local := NewBoard(120, 80)
	remote := NewBoard(120, 80)
	applier := NewApplier(remote)
	local.OnNewSegment = func(seg state.Segment) {
		applier.ApplyDrawLine(relayed(t, seg))
	}

	t0 := time.Unix(0, 0)
	local.PointerDown(10, 10, t0)
	local.PointerMove(30, 20, t0.Add(10*time.Millisecond))
	local.PointerMove(60, 25, t0.Add(200*time.Millisecond))
	local.PointerMove(61.5, 70.25, t0.Add(201*time.Millisecond))
	local.PointerUp()
	local.PointerDown(100, 40, t0.Add(time.Second))
	local.PointerUp()

	assert.Equal(t, false, blank(local))
	assert.Equal(t, true, bytes.Equal(pixels(local), pixels(remote)))
}

func TestDotIsVisible(t *testing.T) {
	b := NewBoard(20, 20)
	b.PointerDown(10, 10, time.Now())
	_, _, _, a := b.Image().At(9, 10).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.NotEqual(t, color.RGBAModel.Convert(color.White), b.Image().At(9, 10))
}

func TestRemoteSegmentsAreNotReemitted(t *testing.T) {
	b := NewBoard(50, 50)
	emitted := 0
	b.OnNewSegment = func(state.Segment) { emitted++ }

	b.AddRemoteSegment(state.Segment{Current: state.Point{X: 5, Y: 5, Pressure: 1}})
	assert.Equal(t, 0, emitted)
	assert.Equal(t, false, blank(b))

	b.PointerDown(20, 20, time.Now())
	b.PointerMove(25, 20, time.Now())
	b.PointerUp()
	b.PointerMove(30, 20, time.Now())
	assert.Equal(t, 2, emitted)
}

func TestApplierDropsMalformed(t *testing.T) {
	b := NewBoard(50, 50)
	applier := NewApplier(b)

	applier.ApplyDrawLine(boardnet.DrawLine{ID: "x"})
	applier.ApplyDrawLine(boardnet.DrawLine{ID: "x", CurrentPoint: &state.Point{X: math.NaN(), Y: 1, Pressure: 1}})
	applier.ApplyDrawLine(boardnet.DrawLine{
		ID:            "x",
		CurrentPoint:  &state.Point{X: 1, Y: 1, Pressure: 1},
		PreviousPoint: &state.Point{X: math.Inf(1), Y: 1, Pressure: 1},
	})
	applier.ApplyCursor(boardnet.Cursor{ID: "x", X: math.NaN()})
	assert.Equal(t, true, blank(b))
	assert.Equal(t, 0, len(b.Cursors()))
}

func TestClearLocalAndRemote(t *testing.T) {
	b := NewBoard(50, 50)
	cleared := 0
	b.OnClear = func() { cleared++ }

	b.AddRemoteSegment(state.Segment{Current: state.Point{X: 5, Y: 5, Pressure: 1}})
	b.ClearRemote()
	assert.Equal(t, true, blank(b))
	assert.Equal(t, 0, cleared)

	b.AddRemoteSegment(state.Segment{Current: state.Point{X: 5, Y: 5, Pressure: 1}})
	b.ClearCanvas()
	assert.Equal(t, true, blank(b))
	assert.Equal(t, 1, cleared)
}

func TestCursors(t *testing.T) {
	b := NewBoard(50, 50)
	applier := NewApplier(b)
	handlers := applier.Handlers()

	b.SetStatus(session.Status{State: session.StateConnected, Connected: true, UserCount: 3})
	handlers.OnCursor(boardnet.Cursor{ID: "b", X: 1, Y: 2})
	handlers.OnCursor(boardnet.Cursor{ID: "a", X: 3, Y: 4})
	handlers.OnCursor(boardnet.Cursor{ID: "b", X: 5, Y: 6})
	assert.Equal(t, []boardnet.Cursor{{ID: "a", X: 3, Y: 4}, {ID: "b", X: 5, Y: 6}}, b.Cursors())

	handlers.OnUserDisconnected("a")
	assert.Equal(t, 1, len(b.Cursors()))

	handlers.OnStatus(session.Status{State: session.StateDisconnected, UserCount: 3})
	assert.Equal(t, 0, len(b.Cursors()))
	assert.Equal(t, session.StateDisconnected, b.Status().State)
}

func TestBoardLoop(t *testing.T) {
	b := NewBoard(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- b.Run(ctx) }()

	ran := false
	assert.Equal(t, true, b.Do(func() { ran = true }))
	assert.Equal(t, true, ran)

	cancel()
	assert.Equal(t, context.Canceled, <-result)
	assert.Equal(t, false, b.Post(func() {}))
	assert.Equal(t, false, b.Do(func() {}))
}

func TestSnapshotIsPNG(t *testing.T) {
	b := NewBoard(10, 10)
	data, err := b.Snapshot()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript(strings.NewReader(`
# a short stroke
down 1 2
move 3 4
move 5 6 40
up
wait 10
clear
`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 6, s.Len())
	assert.Equal(t, step{kind: stepMove, x: 3, y: 4, dt: DefaultMoveInterval}, s.steps[1])
	assert.Equal(t, step{kind: stepMove, x: 5, y: 6, dt: 40 * time.Millisecond}, s.steps[2])

	for _, bad := range []string{"down 1", "down 1 2 3", "move a 2", "move 1 2 -5", "up 1", "wait", "jump 1 2",
		"down NaN 1", "move 1 +Inf", "move 1 2 NaN", "wait Inf"} {
		_, err := ParseScript(strings.NewReader(bad))
		assert.NotEqual(t, nil, err)
	}
}

func TestScriptRun(t *testing.T) {
	b := NewBoard(100, 100)
	segments := []state.Segment{}
	b.OnNewSegment = func(seg state.Segment) { segments = append(segments, seg) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	s, err := ParseScript(strings.NewReader("down 10 10\nmove 20 10 50\nmove 30 10 100\nup\n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, s.Run(ctx, b))

	b.Do(func() {})
	assert.Equal(t, 3, len(segments))
	assert.Equal(t, state.InitialPressure, segments[0].Current.Pressure)
	assert.Equal(t, 1.0, segments[1].Current.Pressure)
	assert.Equal(t, 0.5, segments[2].Current.Pressure)
}

func relayServer(t *testing.T) *httptest.Server {
	relay := boardnet.NewRelayWithDefaults(context.Background())
	srv := httptest.NewServer(boardnet.NewRouter(relay))
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return srv
}

// openBoard wires a board to a session the way the draw command does.
func openBoard(t *testing.T, ctx context.Context, url string, settings *session.Settings) (*Board, *session.Session) {
	b := NewBoard(100, 100)
	go b.Run(ctx)
	s, err := session.NewSession(ctx, url, b, NewApplier(b).Handlers(), settings)
	assert.Equal(t, nil, err)
	b.OnNewSegment = func(seg state.Segment) {
		if err := s.SendSegment(seg); err != nil {
			t.Errorf("segment not sent: %s", err)
		}
	}
	b.OnClear = func() { s.SendClear() }
	assert.Equal(t, nil, s.Open(ctx))
	t.Cleanup(s.Shutdown)
	return b, s
}

// waitOnBoard polls cond on b's loop.
func waitOnBoard(t *testing.T, b *Board, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for {
		ok := false
		b.Do(func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met on board")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBoardsConvergeOverRelay(t *testing.T) {
	srv := relayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := openBoard(t, ctx, srv.URL, session.DefaultSettings())
	c, _ := openBoard(t, ctx, srv.URL, session.DefaultSettings())
	waitOnBoard(t, c, 5*time.Second, func() bool { return c.Status().UserCount == 2 })

	s, err := ParseScript(strings.NewReader("down 10 10\nmove 40 30\nmove 80 35 5\nup\n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, s.Run(ctx, a))

	var want []byte
	a.Do(func() { want = append([]byte(nil), pixels(a)...) })
	waitOnBoard(t, c, 5*time.Second, func() bool { return bytes.Equal(want, pixels(c)) })

	assert.Equal(t, true, a.Do(a.ClearCanvas))
	waitOnBoard(t, c, 5*time.Second, func() bool { return blank(c) })
}

func TestBoardsConvergeOnLongScript(t *testing.T) {
	srv := relayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, sa := openBoard(t, ctx, srv.URL, session.DefaultSettings())
	c, _ := openBoard(t, ctx, srv.URL, session.DefaultSettings())
	waitOnBoard(t, c, 5*time.Second, func() bool { return c.Status().UserCount == 2 })

	var script strings.Builder
	script.WriteString("down 10 10\n")
	for i := 0; i < 3000; i++ {
		if i%100 == 99 {
			script.WriteString("up\ndown 50 50\n")
		}
		fmt.Fprintf(&script, "move %d %d %d\n", 5+(i*7)%90, 5+(i*13)%90, 1+i%40)
	}
	script.WriteString("up\n")
	s, err := ParseScript(strings.NewReader(script.String()))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, s.Run(ctx, a))

	var want []byte
	a.Do(func() { want = append([]byte(nil), pixels(a)...) })
	waitOnBoard(t, c, 20*time.Second, func() bool { return bytes.Equal(want, pixels(c)) })
	assert.Equal(t, session.StateConnected, sa.Status().State)
}

func TestBoardStatusHighlightExpires(t *testing.T) {
	srv := relayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := session.DefaultSettings()
	settings.CountHighlight = 500 * time.Millisecond
	a, _ := openBoard(t, ctx, srv.URL, settings)
	openBoard(t, ctx, srv.URL, session.DefaultSettings())

	waitOnBoard(t, a, 5*time.Second, func() bool {
		return a.Status().UserCount == 2 && a.Status().RecentlyChanged
	})
	// nothing else happens on the board; the highlight still ends
	waitOnBoard(t, a, 5*time.Second, func() bool {
		return a.Status().UserCount == 2 && !a.Status().RecentlyChanged
	})
}
