package scanning

import (
	"errors"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// Document is an opened multi-page document
type Document interface {
	// NumPage returns the total number of pages
	NumPage() int
	// RenderPage rasterizes the zero-based page at the given DPI
	RenderPage(page int, dpi float64) (image.Image, error)
	// Close releases the document
	Close() error
}

// DocumentOpener opens paginated documents for rendering
type DocumentOpener interface {
	Open(path string) (Document, error)
}

// FitzOpener renders PDFs with MuPDF through go-fitz
type FitzOpener struct{}

// Open opens the PDF at path
func (FitzOpener) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		if errors.Is(err, fitz.ErrCreateContext) {
			return nil, fmt.Errorf("%w: MuPDF is not available to render documents: %w", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("%w: opening document: %w", ErrRender, err)
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPage() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) RenderPage(page int, dpi float64) (image.Image, error) {
	img, err := d.doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
