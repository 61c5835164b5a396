// Package ocr turns uploaded documents into per-page extracted text. PDFs
// are rasterised to page images; each page goes through the vision channel
// with a fixed extraction prompt returning text, a confidence scalar, and
// quality flags from the closed vocabulary.
package ocr

import (
	"errors"
	"fmt"

	"github.com/gen2brain/go-fitz"
)

// ErrPageLimitExceeded indicates the document has more pages than the
// configured limit allows. The upload is flagged, not retried.
var ErrPageLimitExceeded = errors.New("page count exceeds configured limit")

// renderDPI balances handwriting legibility against image payload size.
const renderDPI = 200

// Rasterizer converts an uploaded document into per-page PNG images.
type Rasterizer interface {
	// Rasterize renders every page. Returns ErrPageLimitExceeded when the
	// document has more than maxPages pages.
	Rasterize(data []byte, mimeType string, maxPages int) ([][]byte, error)
}

// FitzRasterizer implements Rasterizer on MuPDF. Plain images pass through
// as a single page.
type FitzRasterizer struct{}

// NewFitzRasterizer creates the production rasterizer.
func NewFitzRasterizer() *FitzRasterizer { return &FitzRasterizer{} }

// Rasterize implements Rasterizer.
func (r *FitzRasterizer) Rasterize(data []byte, mimeType string, maxPages int) ([][]byte, error) {
	if mimeType != "application/pdf" {
		// Single-image upload: one page, passed to the vision channel as-is.
		return [][]byte{data}, nil
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if maxPages > 0 && pageCount > maxPages {
		return nil, fmt.Errorf("%w: %d pages, limit %d", ErrPageLimitExceeded, pageCount, maxPages)
	}

	pages := make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		img, err := doc.ImagePNG(i, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}
