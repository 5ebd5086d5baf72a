package state

import "math"

// Point is one captured pointer sample in canvas-local coordinates.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure"`
}

// Finite reports whether every field is a usable number.
func (p Point) Finite() bool {
	for _, v := range [...]float64{p.X, p.Y, p.Pressure} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Segment is the atomic unit of drawing. A nil Previous marks the first
// sample of a stroke, which renders as a dot.
type Segment struct {
	Current  Point
	Previous *Point
}

// IsStart reports whether the segment opens a stroke.
func (s Segment) IsStart() bool {
	return s.Previous == nil
}

// Start returns the point the segment is drawn from. For a stroke start
// this is one unit to the left of Current so the dot is visible.
func (s Segment) Start() Point {
	if s.Previous != nil {
		return *s.Previous
	}
	start := s.Current
	start.X--
	return start
}
