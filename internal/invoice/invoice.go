package invoice

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an invoice
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReview     Status = "review"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Invoice represents an uploaded document and its extracted fields
type Invoice struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Status      Status `json:"status"`

	VendorID       string   `json:"vendor_id,omitempty"`
	VendorName     string   `json:"vendor_name,omitempty"` // name as reported by the model
	InvoiceNumber  *string  `json:"invoice_number,omitempty"`
	InvoiceDate    *string  `json:"invoice_date,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	Subtotal       *float64 `json:"subtotal,omitempty"`
	TaxAmount      *float64 `json:"tax_amount,omitempty"`
	DiscountAmount *float64 `json:"discount_amount,omitempty"`
	TotalAmount    *float64 `json:"total_amount,omitempty"`

	OverallConfidence *float64           `json:"overall_confidence,omitempty"`
	FieldConfidences  map[string]float64 `json:"field_confidences,omitempty"`
	RawExtraction     json.RawMessage    `json:"raw_extraction,omitempty"`
	Note              string             `json:"note,omitempty"`

	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	PageCount    int    `json:"page_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineItem is a persisted invoice line
type LineItem struct {
	ID          string   `json:"id"`
	InvoiceID   string   `json:"invoice_id"`
	Position    int      `json:"position"` // 1-based order as reported
	LineNumber  int      `json:"line_number"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      float64  `json:"amount"`
	TaxRate     *float64 `json:"tax_rate,omitempty"`
	TaxAmount   *float64 `json:"tax_amount,omitempty"`
	Category    *string  `json:"category,omitempty"`
	SKU         *string  `json:"sku,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Vendor is a registry entry that invoices are attributed to
type Vendor struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	NormalizedName string   `json:"normalized_name"`
	Aliases        []string `json:"aliases"`
	TaxID          string   `json:"tax_id,omitempty"`
	Address        string   `json:"address,omitempty"`
	Email          string   `json:"email,omitempty"`
	Phone          string   `json:"phone,omitempty"`

	TotalInvoices        int             `json:"total_invoices"`
	TotalSpend           decimal.Decimal `json:"total_spend"`
	AverageInvoiceAmount decimal.Decimal `json:"average_invoice_amount"`
	LastInvoiceDate      *time.Time      `json:"last_invoice_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
