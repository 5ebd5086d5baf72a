package export

import (
	"bytes"
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
)

const (
	pageMargin = 15.0
	titleSize  = 16.0
)

// ExportPDF writes a one page A4 document with the title and the PNG scaled
// to fit the page width.
func ExportPDF(w io.Writer, title string, png []byte) error {
	p := gofpdf.New("P", "mm", "A4", "")
	p.SetTitle(title, true)
	p.SetCreator("SketchWeave", true)
	p.SetMargins(pageMargin, pageMargin, pageMargin)
	p.AddPage()

	p.SetFont("Helvetica", "B", titleSize)
	p.CellFormat(0, 10, p.UnicodeTranslatorFromDescriptor("")(title), "", 1, "L", false, 0, "")
	p.Ln(4)

	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	info := p.RegisterImageOptionsReader("sketch", opts, bytes.NewReader(png))
	if p.Err() {
		return fmt.Errorf("failed to read sketch image: %w", p.Error())
	}

	pageWidth, pageHeight := p.GetPageSize()
	maxWidth := pageWidth - 2*pageMargin
	maxHeight := pageHeight - p.GetY() - pageMargin
	width, height := info.Width(), info.Height()
	scale := maxWidth / width
	if height*scale > maxHeight {
		scale = maxHeight / height
	}
	p.ImageOptions("sketch", pageMargin, p.GetY(), width*scale, height*scale, false, opts, 0, "")

	if err := p.Output(w); err != nil {
		return fmt.Errorf("failed to write pdf: %w", err)
	}
	return nil
}
