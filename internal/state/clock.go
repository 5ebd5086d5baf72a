package state

import "time"

// Pressure tuning. Pressure is derived from the time between samples of the
// same stroke: fast motion gives thin lines, slow motion thick ones. This is
// a heuristic and not a reading from a pressure sensitive device.
const (
	PressureK       = 50.0
	MinPressure     = 0.3
	MaxPressure     = 1.5
	InitialPressure = 1.0

	// minimum Δt in milliseconds, avoids dividing by zero on coalesced samples
	minSampleInterval = 1.0
)

// strokeClock tracks the timestamp of the last sample of the active stroke.
type strokeClock struct {
	last    time.Time
	started bool
}

// reset forgets the previous sample so the next one is treated as a stroke start.
func (c *strokeClock) reset() {
	c.last = time.Time{}
	c.started = false
}

// pressure returns the pressure for a sample taken at t and records t.
func (c *strokeClock) pressure(t time.Time) float64 {
	if !c.started {
		c.started = true
		c.last = t
		return InitialPressure
	}
	dt := float64(t.Sub(c.last)) / float64(time.Millisecond)
	c.last = t
	return PressureFor(dt)
}

// PressureFor maps a sample interval in milliseconds to a pressure value.
func PressureFor(dtMillis float64) float64 {
	if dtMillis < minSampleInterval {
		dtMillis = minSampleInterval
	}
	p := PressureK / dtMillis
	if p < MinPressure {
		return MinPressure
	}
	if p > MaxPressure {
		return MaxPressure
	}
	return p
}
