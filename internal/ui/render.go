package ui

import (
	"github.com/fogleman/gg"

	"sketchweave/internal/state"
)

const (
	InkColor = "#2d3436"
	// widthPerPressure maps the pressure heuristic to a stroke width.
	widthPerPressure = 2.0
)

// RenderSegment draws one segment. It is the only way anything reaches the
// raster, for local and relayed segments alike.
func RenderSegment(dc *gg.Context, seg state.Segment) {
	start := seg.Start()
	dc.SetHexColor(InkColor)
	dc.SetLineWidth(seg.Current.Pressure * widthPerPressure)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	dc.DrawLine(start.X, start.Y, seg.Current.X, seg.Current.Y)
	dc.Stroke()
}

func clearRaster(dc *gg.Context) {
	dc.SetRGB(1, 1, 1)
	dc.Clear()
}
