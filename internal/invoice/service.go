package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zombor/invoice-tracker/internal/metrics"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

// IDGenerator generates unique IDs for invoices, vendors and line items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Config holds the extraction policy
type Config struct {
	// ConfidenceFloor is the minimum overall confidence for a result to
	// reach review
	ConfidenceFloor float64
	// ExtractTimeout bounds normalization plus the model call. Zero disables it.
	ExtractTimeout time.Duration
}

// DefaultConfig returns the standard extraction policy
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor: 0.15,
		ExtractTimeout:  2 * time.Minute,
	}
}

// Service handles invoice operations
type Service struct {
	db          DB
	normalizer  scanning.Normalizer
	extractor   scanning.Extractor
	storage     Storage
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, normalizer scanning.Normalizer, extractor scanning.Extractor, storage Storage, cfg Config) *Service {
	return NewServiceWithDeps(db, normalizer, extractor, storage, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, normalizer scanning.Normalizer, extractor scanning.Extractor, storage Storage, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		normalizer:  normalizer,
		extractor:   extractor,
		storage:     storage,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	// Truncate to reasonable length (50 chars for base, plus extension)
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// ProcessUpload stores an uploaded document, creates its invoice in
// processing and runs the extraction. The invoice is returned in its final
// state; a failed extraction also returns the error.
func (s *Service) ProcessUpload(ctx context.Context, filename string, data []byte, contentType string) (*Invoice, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	stored, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	invoice := &Invoice{
		ID:          id,
		Filename:    stored,
		ContentType: contentType,
		Status:      StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveInvoice(ctx, invoice); err != nil {
		// Clean up file if database save fails
		if delErr := s.storage.Delete(stored); delErr != nil {
			slog.Warn("Failed to delete file", "filename", stored, "error", delErr)
		}
		return nil, fmt.Errorf("saving invoice to database: %w", err)
	}

	slog.Info("Invoice uploaded", "invoice_id", id, "filename", stored, "content_type", contentType, "file_size", len(data))
	return s.ExtractInvoice(ctx, id)
}

// RetryExtraction moves an invoice back to processing and runs the
// extraction again from scratch
func (s *Service) RetryExtraction(ctx context.Context, id string) (*Invoice, error) {
	err := s.db.Update(ctx, func(tx Tx) error {
		invoice, err := tx.GetInvoice(id)
		if err != nil {
			return err
		}
		invoice.Status = StatusProcessing
		invoice.UpdatedAt = s.timeSource.Now()
		return tx.SaveInvoice(invoice)
	})
	if err != nil {
		return nil, fmt.Errorf("resetting invoice: %w", err)
	}
	return s.ExtractInvoice(ctx, id)
}

// ExtractInvoice runs one extraction attempt for an invoice in processing.
// The invoice always ends in review or failed; the returned invoice reflects
// that state even when an error is returned.
func (s *Service) ExtractInvoice(ctx context.Context, id string) (invoice *Invoice, err error) {
	invoice, err = s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}

	metrics.ExtractionsTotal.Add(1)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("extraction panicked: %v", p)
		}
		if err == nil {
			return
		}
		metrics.ExtractionsFailed.Add(1)
		slog.Error("Failed to extract invoice",
			"invoice_id", id,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		// The caller may have given up; the failure is still recorded
		failed, markErr := s.markFailed(context.WithoutCancel(ctx), id, err)
		if markErr != nil {
			slog.Error("Failed to mark invoice failed", "invoice_id", id, "error", markErr)
			return
		}
		invoice = failed
	}()

	stageCtx := ctx
	if s.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, s.cfg.ExtractTimeout)
		defer cancel()
	}

	raster, err := s.normalizer.Normalize(stageCtx, s.storage.Path(invoice.Filename), filepath.Ext(invoice.Filename))
	if err != nil {
		return invoice, classifyDeadline(fmt.Errorf("normalizing document: %w", err))
	}

	extraction, err := s.extractor.Extract(stageCtx, raster)
	if err != nil {
		return invoice, classifyDeadline(fmt.Errorf("extracting fields: %w", err))
	}
	metrics.ModelInputTokens.Add(int64(extraction.InputTokens))
	metrics.ModelOutputTokens.Add(int64(extraction.OutputTokens))

	if extraction.Result.Confidence < s.cfg.ConfidenceFloor {
		invoice, err = s.saveLowConfidence(ctx, id, extraction, raster)
		if err != nil {
			return invoice, fmt.Errorf("saving low confidence result: %w", err)
		}
		metrics.ExtractionsLowConfidence.Add(1)
		slog.Warn("Extraction below confidence floor",
			"invoice_id", id,
			"confidence", extraction.Result.Confidence,
			"floor", s.cfg.ConfidenceFloor,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return invoice, nil
	}

	invoice, err = s.saveExtraction(ctx, id, extraction, raster)
	if err != nil {
		return invoice, fmt.Errorf("saving extraction: %w", err)
	}
	metrics.ExtractionsSucceeded.Add(1)
	slog.Info("Invoice extracted",
		"invoice_id", id,
		"vendor_id", invoice.VendorID,
		"confidence", extraction.Result.Confidence,
		"pages", raster.PageCount,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return invoice, nil
}

// saveLowConfidence records a soft failure. Vendors and line items are not
// touched.
func (s *Service) saveLowConfidence(ctx context.Context, id string, extraction *scanning.Extraction, raster *scanning.Raster) (*Invoice, error) {
	result := extraction.Result
	var saved *Invoice
	err := s.db.Update(ctx, func(tx Tx) error {
		invoice, err := tx.GetInvoice(id)
		if err != nil {
			return err
		}
		confidence := result.Confidence
		invoice.Status = StatusFailed
		invoice.OverallConfidence = &confidence
		invoice.FieldConfidences = result.FieldConfidences
		invoice.RawExtraction = extraction.Raw
		invoice.Note = fmt.Sprintf("Document type unrecognized or illegible (confidence %.2f below floor %.2f)", result.Confidence, s.cfg.ConfidenceFloor)
		setProvenance(invoice, extraction, raster)
		invoice.UpdatedAt = s.timeSource.Now()
		saved = invoice
		return tx.SaveInvoice(invoice)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// saveExtraction attributes the vendor, replaces the line items and moves
// the invoice to review in one transaction
func (s *Service) saveExtraction(ctx context.Context, id string, extraction *scanning.Extraction, raster *scanning.Raster) (*Invoice, error) {
	result := extraction.Result
	var (
		saved   *Invoice
		created bool
		matched bool
	)
	err := s.db.Update(ctx, func(tx Tx) error {
		created, matched = false, false
		now := s.timeSource.Now()

		invoice, err := tx.GetInvoice(id)
		if err != nil {
			return err
		}

		// A retry of an attributed invoice replaces the earlier attribution
		if invoice.VendorID != "" && invoice.TotalAmount != nil {
			if err := releaseVendor(tx, invoice.VendorID, decimal.NewFromFloat(*invoice.TotalAmount), now); err != nil {
				return err
			}
		}

		invoice.VendorID = ""
		if strings.TrimSpace(result.Vendor.Name) != "" {
			vendor, isNew, err := reconcileVendor(tx, result.Vendor, decimal.NewFromFloat(result.TotalAmount), now, s.idGenerator.Generate)
			if err != nil {
				return err
			}
			invoice.VendorID = vendor.ID
			created, matched = isNew, !isNew
		}

		confidence := result.Confidence
		total := result.TotalAmount
		invoice.VendorName = result.Vendor.Name
		invoice.InvoiceNumber = result.InvoiceNumber
		invoice.InvoiceDate = result.InvoiceDate
		invoice.DueDate = result.DueDate
		invoice.Currency = result.Currency
		invoice.Subtotal = result.Subtotal
		invoice.TaxAmount = result.TaxAmount
		invoice.DiscountAmount = result.DiscountAmount
		invoice.TotalAmount = &total
		invoice.OverallConfidence = &confidence
		invoice.FieldConfidences = result.FieldConfidences
		invoice.RawExtraction = extraction.Raw
		invoice.Status = StatusReview
		invoice.Note = ""
		setProvenance(invoice, extraction, raster)
		invoice.UpdatedAt = now

		if err := tx.ReplaceLineItems(id, s.buildLineItems(id, result)); err != nil {
			return fmt.Errorf("replacing line items: %w", err)
		}
		saved = invoice
		return tx.SaveInvoice(invoice)
	})
	if err != nil {
		return nil, err
	}

	if created {
		metrics.VendorsCreated.Add(1)
	}
	if matched {
		metrics.VendorsMatched.Add(1)
	}
	return saved, nil
}

// buildLineItems converts reported lines into persisted rows in order
func (s *Service) buildLineItems(invoiceID string, result *scanning.ExtractionResult) []*LineItem {
	items := make([]*LineItem, 0, len(result.LineItems))
	for i, line := range result.LineItems {
		position := i + 1
		item := &LineItem{
			ID:          s.idGenerator.Generate(),
			InvoiceID:   invoiceID,
			Position:    position,
			LineNumber:  position,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Amount:      line.Amount,
			TaxRate:     line.TaxRate,
			TaxAmount:   line.TaxAmount,
			Category:    line.Category,
			SKU:         line.SKU,
			Unit:        line.Unit,
			Confidence:  result.Confidence,
		}
		if line.LineNumber != nil {
			item.LineNumber = *line.LineNumber
		}
		if line.Confidence != nil {
			item.Confidence = *line.Confidence
		}
		items = append(items, item)
	}
	return items
}

func setProvenance(invoice *Invoice, extraction *scanning.Extraction, raster *scanning.Raster) {
	invoice.Model = extraction.Model
	invoice.InputTokens = extraction.InputTokens
	invoice.OutputTokens = extraction.OutputTokens
	invoice.PageCount = raster.PageCount
}

// markFailed records a hard failure with the error and when it happened
func (s *Service) markFailed(ctx context.Context, id string, cause error) (*Invoice, error) {
	now := s.timeSource.Now()
	raw, err := json.Marshal(map[string]string{
		"error":     cause.Error(),
		"timestamp": now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling failure payload: %w", err)
	}

	var saved *Invoice
	err = s.db.Update(ctx, func(tx Tx) error {
		invoice, err := tx.GetInvoice(id)
		if err != nil {
			return err
		}
		invoice.Status = StatusFailed
		invoice.RawExtraction = raw
		invoice.Note = failureNote(cause)
		invoice.UpdatedAt = now
		saved = invoice
		return tx.SaveInvoice(invoice)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// failureNote returns the reviewer-facing message for an extraction error
func failureNote(err error) string {
	switch {
	case errors.Is(err, scanning.ErrConfiguration):
		return "Extraction is misconfigured on this server and needs an operator: " + err.Error()
	case errors.Is(err, scanning.ErrRender):
		return "Document could not be read. It may be corrupt, encrypted or in an unsupported format."
	case errors.Is(err, scanning.ErrRefused):
		return "The model declined to process this document."
	case errors.Is(err, scanning.ErrTruncated):
		return "Document too complex to extract within the output limit. Try uploading fewer pages."
	case errors.Is(err, scanning.ErrTimeout):
		return "Extraction timed out."
	case errors.Is(err, scanning.ErrInvalidResponse):
		return "The model returned a response that did not match the expected format."
	default:
		return "Extraction failed: " + err.Error()
	}
}

// classifyDeadline marks an expired deadline as a timeout
func classifyDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, scanning.ErrTimeout) {
		return fmt.Errorf("%w: %w", scanning.ErrTimeout, err)
	}
	return err
}

// RenameVendor renames a vendor, keeping the old name as an alias so later
// extractions under the old name still match
func (s *Service) RenameVendor(ctx context.Context, vendorID string, newName string) (*Vendor, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, fmt.Errorf("vendor name is required")
	}

	var saved *Vendor
	err := s.db.Update(ctx, func(tx Tx) error {
		vendor, err := tx.GetVendor(vendorID)
		if err != nil {
			return err
		}
		if renameVendor(vendor, newName, s.timeSource.Now()) {
			if err := tx.SaveVendor(vendor); err != nil {
				return err
			}
		}
		saved = vendor
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("renaming vendor: %w", err)
	}
	return saved, nil
}

// RenameInvoiceVendor renames the vendor an invoice is attributed to
func (s *Service) RenameInvoiceVendor(ctx context.Context, invoiceID string, newName string) (*Invoice, *Vendor, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, nil, fmt.Errorf("vendor name is required")
	}

	var (
		savedInvoice *Invoice
		savedVendor  *Vendor
	)
	err := s.db.Update(ctx, func(tx Tx) error {
		invoice, err := tx.GetInvoice(invoiceID)
		if err != nil {
			return err
		}
		if invoice.VendorID == "" {
			return fmt.Errorf("%w: invoice %s has no vendor", ErrNotFound, invoiceID)
		}
		vendor, err := tx.GetVendor(invoice.VendorID)
		if err != nil {
			return err
		}

		now := s.timeSource.Now()
		if renameVendor(vendor, newName, now) {
			if err := tx.SaveVendor(vendor); err != nil {
				return err
			}
		}
		invoice.VendorName = vendor.Name
		invoice.UpdatedAt = now
		savedInvoice, savedVendor = invoice, vendor
		return tx.SaveInvoice(invoice)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("renaming invoice vendor: %w", err)
	}
	return savedInvoice, savedVendor, nil
}

// GetInvoice retrieves an invoice with its line items
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, []*LineItem, error) {
	invoice, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting invoice: %w", err)
	}
	items, err := s.db.ListLineItems(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing line items: %w", err)
	}
	return invoice, items, nil
}

// ListInvoices returns all invoices
func (s *Service) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	invoices, err := s.db.ListInvoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// GetInvoiceFile retrieves the uploaded file for an invoice
func (s *Service) GetInvoiceFile(ctx context.Context, id string) ([]byte, string, error) {
	invoice, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice: %w", err)
	}

	data, err := s.storage.Get(invoice.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice file: %w", err)
	}
	return data, invoice.ContentType, nil
}

// GetVendor retrieves a vendor by ID
func (s *Service) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	vendor, err := s.db.GetVendor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting vendor: %w", err)
	}
	return vendor, nil
}

// ListVendors returns all vendors
func (s *Service) ListVendors(ctx context.Context) ([]*Vendor, error) {
	vendors, err := s.db.ListVendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vendors: %w", err)
	}
	return vendors, nil
}
