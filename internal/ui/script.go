package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultMoveInterval is the sample spacing when a move line gives none.
const DefaultMoveInterval = 16 * time.Millisecond

type stepKind int

const (
	stepDown stepKind = iota
	stepMove
	stepUp
	stepClear
	stepWait
)

type step struct {
	kind stepKind
	x, y float64
	dt   time.Duration
}

// Script is a recorded pointer session:
//
//	down x y
//	move x y [dtms]
//	up
//	clear
//	wait ms
//
// Blank lines and lines starting with # are ignored.
type Script struct {
	steps []step
}

func ParseScript(r io.Reader) (*Script, error) {
	s := &Script{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		st, err := parseStep(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", line, err)
		}
		s.steps = append(s.steps, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return s, nil
}

func parseStep(fields []string) (step, error) {
	args := fields[1:]
	switch fields[0] {
	case "down", "move":
		if len(args) < 2 || (fields[0] == "down" && len(args) != 2) || len(args) > 3 {
			return step{}, fmt.Errorf("%s takes x y", fields[0])
		}
		x, err := parseCoord("x", args[0])
		if err != nil {
			return step{}, err
		}
		y, err := parseCoord("y", args[1])
		if err != nil {
			return step{}, err
		}
		if fields[0] == "down" {
			return step{kind: stepDown, x: x, y: y}, nil
		}
		dt := DefaultMoveInterval
		if len(args) == 3 {
			if dt, err = parseMillis(args[2]); err != nil {
				return step{}, err
			}
		}
		return step{kind: stepMove, x: x, y: y, dt: dt}, nil
	case "up", "clear":
		if len(args) != 0 {
			return step{}, fmt.Errorf("%s takes no arguments", fields[0])
		}
		if fields[0] == "up" {
			return step{kind: stepUp}, nil
		}
		return step{kind: stepClear}, nil
	case "wait":
		if len(args) != 1 {
			return step{}, fmt.Errorf("wait takes ms")
		}
		dt, err := parseMillis(args[0])
		if err != nil {
			return step{}, err
		}
		return step{kind: stepWait, dt: dt}, nil
	default:
		return step{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// parseCoord accepts finite numbers only; NaN and Inf never reach the board.
func parseCoord(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad %s %q", name, s)
	}
	return v, nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func (s *Script) Len() int {
	return len(s.steps)
}

// Run plays the script on the board's loop. Sample times come from a
// virtual clock advanced by each move, so pressure does not depend on how
// fast the script is fed. Waits are real.
func (s *Script) Run(ctx context.Context, board *Board) error {
	clock := time.Now()
	for _, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		var fn func()
		switch st.kind {
		case stepDown:
			t := clock
			fn = func() { board.PointerDown(st.x, st.y, t) }
		case stepMove:
			clock = clock.Add(st.dt)
			t := clock
			fn = func() { board.PointerMove(st.x, st.y, t) }
		case stepUp:
			fn = board.PointerUp
		case stepClear:
			fn = board.ClearCanvas
		case stepWait:
			select {
			case <-time.After(st.dt):
			case <-ctx.Done():
				return ctx.Err()
			}
			clock = clock.Add(st.dt)
			continue
		}
		if !board.Do(fn) {
			return fmt.Errorf("board stopped")
		}
	}
	return nil
}
