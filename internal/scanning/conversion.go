package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// NormalizerConfig bounds the raster produced for the model
type NormalizerConfig struct {
	MaxDimension  int
	MaxPages      int
	SinglePageDPI float64
	CompositeDPI  float64
	Quality       int // JPEG quality
}

// DefaultNormalizerConfig returns the standard normalization limits
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MaxDimension:  2048,
		MaxPages:      5,
		SinglePageDPI: 300,
		CompositeDPI:  200,
		Quality:       90,
	}
}

const outputMIMEType = "image/jpeg"

// ImageNormalizer converts images and PDFs into one bounded JPEG raster
type ImageNormalizer struct {
	cfg       NormalizerConfig
	documents DocumentOpener
}

// NewImageNormalizer creates a normalizer. A nil opener disables document
// support; PDFs then fail with ErrConfiguration.
func NewImageNormalizer(cfg NormalizerConfig, documents DocumentOpener) *ImageNormalizer {
	def := DefaultNormalizerConfig()
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.SinglePageDPI <= 0 {
		cfg.SinglePageDPI = def.SinglePageDPI
	}
	if cfg.CompositeDPI <= 0 {
		cfg.CompositeDPI = def.CompositeDPI
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	return &ImageNormalizer{cfg: cfg, documents: documents}
}

// Normalize renders the file at path into a raster
func (n *ImageNormalizer) Normalize(ctx context.Context, path string, ext string) (*Raster, error) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	switch {
	case isDocumentExt(ext):
		return n.normalizeDocument(ctx, path)
	case isImageExt(ext):
		return n.normalizeImage(path, ext)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q. Supported formats: JPEG, PNG, GIF, WebP, BMP, TIFF, HEIC, HEIF, PDF", ErrRender, ext)
	}
}

func (n *ImageNormalizer) normalizeImage(path string, ext string) (*Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading file: %w", ErrRender, err)
	}

	img, err := decodeImage(data, ext)
	if err != nil {
		return nil, err
	}

	return n.encode(n.fit(img), SourceImage, 1, 1)
}

func (n *ImageNormalizer) normalizeDocument(ctx context.Context, path string) (*Raster, error) {
	if n.documents == nil {
		return nil, fmt.Errorf("%w: document rendering is not enabled on this server", ErrConfiguration)
	}

	doc, err := n.documents.Open(path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	total := doc.NumPage()
	if total < 1 {
		return nil, fmt.Errorf("%w: document has no pages", ErrRender)
	}

	pages := min(total, n.cfg.MaxPages)
	if pages < total {
		slog.Info("Rendering first pages only", "path", path, "pages", total, "rendered", pages)
	}

	if pages == 1 {
		img, err := doc.RenderPage(0, n.cfg.SinglePageDPI)
		if err != nil {
			return nil, fmt.Errorf("%w: rendering page 1: %w", ErrRender, err)
		}
		return n.encode(n.fit(img), SourceDocument, total, 1)
	}

	rendered := make([]image.Image, 0, pages)
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.RenderPage(i, n.cfg.CompositeDPI)
		if err != nil {
			return nil, fmt.Errorf("%w: rendering page %d: %w", ErrRender, i+1, err)
		}
		rendered = append(rendered, img)
	}

	composite := stackVertically(rendered)
	if composite.Bounds().Dx() > n.cfg.MaxDimension {
		// Width only: tall strips stay legible, so height may exceed the bound
		composite = imaging.Resize(composite, n.cfg.MaxDimension, 0, imaging.Lanczos)
	}

	return n.encode(composite, SourceDocument, total, pages)
}

// fit shrinks img to fit inside the max dimension box; smaller images are
// returned unchanged in size.
func (n *ImageNormalizer) fit(img image.Image) image.Image {
	return imaging.Fit(img, n.cfg.MaxDimension, n.cfg.MaxDimension, imaging.Lanczos)
}

func (n *ImageNormalizer) encode(img image.Image, source SourceKind, pageCount, rendered int) (*Raster, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.cfg.Quality)); err != nil {
		return nil, fmt.Errorf("%w: encoding JPEG: %w", ErrRender, err)
	}

	b := img.Bounds()
	return &Raster{
		Data:          buf.Bytes(),
		MIMEType:      outputMIMEType,
		Width:         b.Dx(),
		Height:        b.Dy(),
		Source:        source,
		PageCount:     pageCount,
		RenderedPages: rendered,
	}, nil
}

// stackVertically pastes pages top to bottom on a white canvas as wide as
// the widest page
func stackVertically(pages []image.Image) image.Image {
	var width, height int
	for _, p := range pages {
		b := p.Bounds()
		width = max(width, b.Dx())
		height += b.Dy()
	}

	dst := imaging.New(width, height, color.White)
	y := 0
	for _, p := range pages {
		dst = imaging.Paste(dst, p, image.Pt(0, y))
		y += p.Bounds().Dy()
	}
	return dst
}

// decodeImage decodes any supported image format
func decodeImage(data []byte, ext string) (image.Image, error) {
	// Check for HEIC/HEIF format (common on iPhones) - Go's standard image package doesn't support it
	if isHEICFormat(data) || ext == "heic" || ext == "heif" {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC/HEIF image: %w", ErrRender, err)
		}
		return img, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %w", ErrRender, err)
	}
	return img, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box at offset 4 with brand 'heic', 'heif', 'mif1' or 'msf1'
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

func isDocumentExt(ext string) bool {
	return ext == "pdf"
}

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp", "tif", "tiff", "heic", "heif":
		return true
	}
	return false
}
