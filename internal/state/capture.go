package state

import "time"

// Capture turns raw pointer samples into Segments. It is owned by the UI
// loop and is not safe for concurrent use.
type Capture struct {
	bounds   Bounds
	clock    strokeClock
	previous *Point
	active   bool
}

// NewCapture creates a sampler for a surface of the given bounds.
func NewCapture(bounds Bounds) *Capture {
	return &Capture{bounds: bounds}
}

// Active reports whether a stroke is in progress.
func (c *Capture) Active() bool {
	return c.active
}

// Down starts a stroke and returns its first segment, a dot.
func (c *Capture) Down(x, y float64, t time.Time) Segment {
	c.clock.reset()
	c.active = true
	p := c.bounds.Clamp(Point{X: x, Y: y, Pressure: c.clock.pressure(t)})
	c.previous = &p
	return Segment{Current: p}
}

// Move samples the pointer while a stroke is active. ok is false when no
// stroke is in progress.
func (c *Capture) Move(x, y float64, t time.Time) (seg Segment, ok bool) {
	if !c.active {
		return Segment{}, false
	}
	p := c.bounds.Clamp(Point{X: x, Y: y, Pressure: c.clock.pressure(t)})
	seg = Segment{Current: p, Previous: c.previous}
	c.previous = &p
	return seg, true
}

// Up ends the active stroke.
func (c *Capture) Up() {
	c.active = false
	c.previous = nil
	c.clock.reset()
}
