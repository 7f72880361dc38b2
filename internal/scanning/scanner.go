package scanning

import (
	"context"
	"encoding/json"
)

// SourceKind identifies where a raster came from
type SourceKind string

const (
	SourceImage    SourceKind = "image"
	SourceDocument SourceKind = "document"
)

// Raster is the bounded image handed to a vision model
type Raster struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
	Source   SourceKind
	// PageCount is the true number of pages in the source, which may be
	// larger than RenderedPages when the page cap applies.
	PageCount     int
	RenderedPages int
}

// VendorInfo is the vendor block reported by the model
type VendorInfo struct {
	Name    string  `json:"name"`
	Address *string `json:"address,omitempty"`
	TaxID   *string `json:"tax_id,omitempty"`
	Email   *string `json:"email,omitempty"`
	Phone   *string `json:"phone,omitempty"`
}

// LineItem is a single invoice line as reported by the model
type LineItem struct {
	LineNumber  *int     `json:"line_number,omitempty"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      float64  `json:"amount"`
	TaxRate     *float64 `json:"tax_rate,omitempty"`
	TaxAmount   *float64 `json:"tax_amount,omitempty"`
	Category    *string  `json:"category,omitempty"`
	SKU         *string  `json:"sku,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// ExtractionResult contains the structured data extracted from an invoice
type ExtractionResult struct {
	Vendor           VendorInfo         `json:"vendor"`
	InvoiceNumber    *string            `json:"invoice_number,omitempty"`
	InvoiceDate      *string            `json:"invoice_date,omitempty"` // ISO 8601
	DueDate          *string            `json:"due_date,omitempty"`     // ISO 8601
	Currency         string             `json:"currency"`
	Subtotal         *float64           `json:"subtotal,omitempty"`
	TaxAmount        *float64           `json:"tax_amount,omitempty"`
	DiscountAmount   *float64           `json:"discount_amount,omitempty"`
	TotalAmount      float64            `json:"total_amount"`
	LineItems        []LineItem         `json:"line_items"`
	Confidence       float64            `json:"confidence"`
	FieldConfidences map[string]float64 `json:"field_confidences"`
}

// Extraction is a validated result plus provenance of the model call
type Extraction struct {
	Result       *ExtractionResult
	Raw          json.RawMessage
	Model        string
	InputTokens  int
	OutputTokens int
}

// Normalizer turns a stored upload into a bounded raster
type Normalizer interface {
	// Normalize renders the file at path; ext is the file extension with or without the dot
	Normalize(ctx context.Context, path string, ext string) (*Raster, error)
}

// Extractor defines the interface for structured invoice extraction
type Extractor interface {
	// Extract sends the raster to the model and returns the validated result
	Extract(ctx context.Context, raster *Raster) (*Extraction, error)
	// Close closes the extractor and releases resources
	Close() error
}
