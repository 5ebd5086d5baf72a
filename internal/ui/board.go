package ui

import (
	"bytes"
	"context"
	"image"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/glog"

	boardnet "sketchweave/internal/net"
	"sketchweave/internal/session"
	"sketchweave/internal/state"
)

const workQueueSize = 1024

// Board is a headless drawing surface with its own UI loop. Work that
// touches the raster runs on that loop: Post schedules it from other
// goroutines and the Pointer/Add/Clear/Set methods must only be called
// from inside posted work (or from a single goroutine when no loop runs).
type Board struct {
	dc      *gg.Context
	bounds  state.Bounds
	capture *state.Capture
	status  session.Status
	cursors map[string]boardnet.Cursor

	OnNewSegment func(seg state.Segment)
	OnClear      func()
	OnCursor     func(x, y float64)
	OnStatus     func(st session.Status)

	work      chan func()
	stopped   chan struct{}
	closeOnce sync.Once
}

var _ session.Dispatcher = (*Board)(nil)

func NewBoard(width, height int) *Board {
	bounds := state.Bounds{Width: float64(width), Height: float64(height)}
	b := &Board{
		dc:      gg.NewContext(width, height),
		bounds:  bounds,
		capture: state.NewCapture(bounds),
		status:  session.Status{State: session.StateIdle, UserCount: 1},
		cursors: map[string]boardnet.Cursor{},
		work:    make(chan func(), workQueueSize),
		stopped: make(chan struct{}),
	}
	clearRaster(b.dc)
	return b
}

// Run executes posted work until ctx ends or Stop is called.
func (b *Board) Run(ctx context.Context) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopped:
			return nil
		case fn := <-b.work:
			fn()
		}
	}
}

func (b *Board) Stop() {
	b.closeOnce.Do(func() {
		close(b.stopped)
	})
}

// Post queues fn on the UI loop. It returns false once the loop has stopped.
func (b *Board) Post(fn func()) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.work <- fn:
		return true
	case <-b.stopped:
		return false
	}
}

// Do runs fn on the UI loop and waits for it.
func (b *Board) Do(fn func()) bool {
	done := make(chan struct{})
	if !b.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-b.stopped:
		return false
	}
}

func (b *Board) Bounds() state.Bounds {
	return b.bounds
}

// PointerDown starts a local stroke.
func (b *Board) PointerDown(x, y float64, t time.Time) {
	b.emit(b.capture.Down(x, y, t))
}

// PointerMove extends the local stroke, if any, and reports the cursor.
func (b *Board) PointerMove(x, y float64, t time.Time) {
	if seg, ok := b.capture.Move(x, y, t); ok {
		b.emit(seg)
	}
	if b.OnCursor != nil {
		p := b.bounds.Clamp(state.Point{X: x, Y: y})
		b.OnCursor(p.X, p.Y)
	}
}

func (b *Board) PointerUp() {
	b.capture.Up()
}

func (b *Board) emit(seg state.Segment) {
	RenderSegment(b.dc, seg)
	if b.OnNewSegment != nil {
		b.OnNewSegment(seg)
	}
}

// AddRemoteSegment draws a relayed segment. It is never re-emitted.
func (b *Board) AddRemoteSegment(seg state.Segment) {
	RenderSegment(b.dc, seg)
}

// ClearCanvas is the local clear action.
func (b *Board) ClearCanvas() {
	clearRaster(b.dc)
	if b.OnClear != nil {
		b.OnClear()
	}
}

// ClearRemote applies a relayed clear.
func (b *Board) ClearRemote() {
	clearRaster(b.dc)
}

func (b *Board) SetCursor(c boardnet.Cursor) {
	b.cursors[c.ID] = c
}

func (b *Board) RemoveCursor(id string) {
	delete(b.cursors, id)
}

// Cursors lists peer cursors ordered by connection id.
func (b *Board) Cursors() []boardnet.Cursor {
	out := make([]boardnet.Cursor, 0, len(b.cursors))
	for _, c := range b.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Board) SetStatus(st session.Status) {
	if st.State != b.status.State || st.UserCount != b.status.UserCount {
		glog.V(1).Infof("[board]status %s, %d users", st.State, st.UserCount)
	}
	b.status = st
	if !st.Connected {
		// nobody to show once we are offline
		b.cursors = map[string]boardnet.Cursor{}
	}
	if b.OnStatus != nil {
		b.OnStatus(st)
	}
}

func (b *Board) Status() session.Status {
	return b.status
}

func (b *Board) Image() image.Image {
	return b.dc.Image()
}

func (b *Board) EncodePNG(w io.Writer) error {
	return b.dc.EncodePNG(w)
}

// Snapshot returns the raster as PNG bytes.
func (b *Board) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
