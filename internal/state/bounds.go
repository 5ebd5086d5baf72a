package state

// Bounds is the drawable area of a surface, anchored at the origin.
type Bounds struct {
	Width  float64
	Height float64
}

// Contains reports whether p lies on the surface.
func (b Bounds) Contains(p Point) bool {
	return p.X >= 0 && p.X <= b.Width &&
		p.Y >= 0 && p.Y <= b.Height
}

// Clamp pulls p back onto the surface.
func (b Bounds) Clamp(p Point) Point {
	p.X = clamp(p.X, 0, b.Width)
	p.Y = clamp(p.Y, 0, b.Height)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
