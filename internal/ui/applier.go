package ui

import (
	"github.com/golang/glog"

	boardnet "sketchweave/internal/net"
	"sketchweave/internal/session"
)

// Applier puts relayed events on a board. Sender ids are taken as the relay
// reports them.
type Applier struct {
	board *Board
}

func NewApplier(board *Board) *Applier {
	return &Applier{board: board}
}

// Handlers wires the applier to a session. The session delivers on the
// board's loop.
func (a *Applier) Handlers() session.Handlers {
	return session.Handlers{
		OnDrawLine:         a.ApplyDrawLine,
		OnClear:            a.board.ClearRemote,
		OnCursor:           a.ApplyCursor,
		OnUserDisconnected: a.board.RemoveCursor,
		OnStatus:           a.board.SetStatus,
	}
}

func (a *Applier) ApplyDrawLine(m boardnet.DrawLine) {
	if err := m.Validate(); err != nil {
		glog.Warningf("[board]drop segment from %q: %s", m.ID, err)
		return
	}
	a.board.AddRemoteSegment(m.Segment())
}

func (a *Applier) ApplyCursor(m boardnet.Cursor) {
	if err := m.Validate(); err != nil {
		glog.Warningf("[board]drop cursor from %q: %s", m.ID, err)
		return
	}
	a.board.SetCursor(m)
}
