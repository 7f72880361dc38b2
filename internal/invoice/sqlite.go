package invoice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteSchema contains the SQL for creating tables
const sqliteSchema = `-- Vendors table is the attribution registry
CREATE TABLE IF NOT EXISTS vendors (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    normalized_name TEXT NOT NULL UNIQUE,
    tax_id TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    total_invoices INTEGER NOT NULL DEFAULT 0,
    total_spend TEXT NOT NULL DEFAULT '0',
    average_invoice_amount TEXT NOT NULL DEFAULT '0',
    last_invoice_date TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vendors_name ON vendors(name);

-- Aliases keep every display name a vendor was reported under
CREATE TABLE IF NOT EXISTS vendor_aliases (
    vendor_id TEXT NOT NULL,
    alias TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (vendor_id, alias),
    FOREIGN KEY (vendor_id) REFERENCES vendors(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_vendor_aliases_alias ON vendor_aliases(alias);

CREATE TABLE IF NOT EXISTS invoices (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    vendor_id TEXT REFERENCES vendors(id),
    vendor_name TEXT NOT NULL DEFAULT '',
    invoice_number TEXT,
    invoice_date TEXT,
    due_date TEXT,
    currency TEXT NOT NULL DEFAULT '',
    subtotal REAL,
    tax_amount REAL,
    discount_amount REAL,
    total_amount REAL,
    overall_confidence REAL,
    field_confidences TEXT NOT NULL DEFAULT '{}',
    raw_extraction TEXT,
    note TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    page_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_vendor_id ON invoices(vendor_id);

CREATE TABLE IF NOT EXISTS line_items (
    id TEXT PRIMARY KEY,
    invoice_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    line_number INTEGER NOT NULL,
    description TEXT NOT NULL,
    quantity REAL,
    unit_price REAL,
    amount REAL NOT NULL,
    tax_rate REAL,
    tax_amount REAL,
    category TEXT,
    sku TEXT,
    unit TEXT,
    confidence REAL NOT NULL,
    UNIQUE (invoice_id, position),
    FOREIGN KEY (invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
);
`

const (
	vendorColumns = `id, name, normalized_name, tax_id, address, email, phone,
    total_invoices, total_spend, average_invoice_amount, last_invoice_date, created_at, updated_at`

	invoiceColumns = `id, filename, content_type, status, vendor_id, vendor_name,
    invoice_number, invoice_date, due_date, currency, subtotal, tax_amount, discount_amount, total_amount,
    overall_confidence, field_confidences, raw_extraction, note, model, input_tokens, output_tokens, page_count,
    created_at, updated_at`

	lineItemColumns = `id, invoice_id, position, line_number, description, quantity, unit_price, amount,
    tax_rate, tax_amount, category, sku, unit, confidence`
)

// SQLiteDB implements the DB interface on SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path and runs migrations. Write
// transactions take the writer lock at BEGIN so vendor reconciliation is
// serialized across connections.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveInvoice creates or replaces an invoice
func (s *SQLiteDB) SaveInvoice(ctx context.Context, invoice *Invoice) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.SaveInvoice(invoice)
	})
}

// GetInvoice retrieves an invoice by ID
func (s *SQLiteDB) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return getInvoice(ctx, s.db, id)
}

// ListInvoices returns all invoices, newest first
func (s *SQLiteDB) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

// ListLineItems returns the line items of an invoice ordered by position
func (s *SQLiteDB) ListLineItems(ctx context.Context, invoiceID string) ([]*LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE invoice_id = ? ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("querying line items: %w", err)
	}
	defer rows.Close()

	items := make([]*LineItem, 0)
	for rows.Next() {
		var item LineItem
		err := rows.Scan(&item.ID, &item.InvoiceID, &item.Position, &item.LineNumber, &item.Description,
			&item.Quantity, &item.UnitPrice, &item.Amount, &item.TaxRate, &item.TaxAmount,
			&item.Category, &item.SKU, &item.Unit, &item.Confidence)
		if err != nil {
			return nil, fmt.Errorf("scanning line item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// GetVendor retrieves a vendor by ID
func (s *SQLiteDB) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	return getVendor(ctx, s.db, id)
}

// ListVendors returns all vendors ordered by name
func (s *SQLiteDB) ListVendors(ctx context.Context) ([]*Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vendorColumns+` FROM vendors ORDER BY normalized_name`)
	if err != nil {
		return nil, fmt.Errorf("querying vendors: %w", err)
	}

	vendors := make([]*Vendor, 0)
	for rows.Next() {
		vendor, err := scanVendor(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		vendors = append(vendors, vendor)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, vendor := range vendors {
		if vendor.Aliases, err = loadAliases(ctx, s.db, vendor.ID); err != nil {
			return nil, err
		}
	}
	return vendors, nil
}

// Update runs fn inside an immediate transaction
func (s *SQLiteDB) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	q   queryer
}

func (t *sqliteTx) GetInvoice(id string) (*Invoice, error) {
	return getInvoice(t.ctx, t.q, id)
}

func (t *sqliteTx) SaveInvoice(invoice *Invoice) error {
	confidences, err := json.Marshal(invoice.FieldConfidences)
	if err != nil {
		return fmt.Errorf("marshaling field confidences: %w", err)
	}
	if invoice.FieldConfidences == nil {
		confidences = []byte("{}")
	}
	var raw *string
	if len(invoice.RawExtraction) > 0 {
		s := string(invoice.RawExtraction)
		raw = &s
	}

	_, err = t.q.ExecContext(t.ctx, `INSERT INTO invoices (`+invoiceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    filename = excluded.filename,
    content_type = excluded.content_type,
    status = excluded.status,
    vendor_id = excluded.vendor_id,
    vendor_name = excluded.vendor_name,
    invoice_number = excluded.invoice_number,
    invoice_date = excluded.invoice_date,
    due_date = excluded.due_date,
    currency = excluded.currency,
    subtotal = excluded.subtotal,
    tax_amount = excluded.tax_amount,
    discount_amount = excluded.discount_amount,
    total_amount = excluded.total_amount,
    overall_confidence = excluded.overall_confidence,
    field_confidences = excluded.field_confidences,
    raw_extraction = excluded.raw_extraction,
    note = excluded.note,
    model = excluded.model,
    input_tokens = excluded.input_tokens,
    output_tokens = excluded.output_tokens,
    page_count = excluded.page_count,
    updated_at = excluded.updated_at`,
		invoice.ID, invoice.Filename, invoice.ContentType, string(invoice.Status),
		nullString(invoice.VendorID), invoice.VendorName,
		invoice.InvoiceNumber, invoice.InvoiceDate, invoice.DueDate, invoice.Currency,
		invoice.Subtotal, invoice.TaxAmount, invoice.DiscountAmount, invoice.TotalAmount,
		invoice.OverallConfidence, string(confidences), raw, invoice.Note,
		invoice.Model, invoice.InputTokens, invoice.OutputTokens, invoice.PageCount,
		formatTime(invoice.CreatedAt), formatTime(invoice.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving invoice: %w", err)
	}
	return nil
}

func (t *sqliteTx) FindVendor(name string) (*Vendor, error) {
	normalized := NormalizeVendorName(name)
	row := t.q.QueryRowContext(t.ctx, `SELECT `+vendorColumns+` FROM vendors v
WHERE v.name = ?1 OR v.normalized_name = ?2
   OR EXISTS (SELECT 1 FROM vendor_aliases a WHERE a.vendor_id = v.id AND a.alias = ?1)
ORDER BY CASE WHEN v.name = ?1 OR v.normalized_name = ?2 THEN 0 ELSE 1 END, v.created_at, v.id
LIMIT 1`, name, normalized)

	vendor, err := scanVendor(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if vendor.Aliases, err = loadAliases(t.ctx, t.q, vendor.ID); err != nil {
		return nil, err
	}
	return vendor, nil
}

func (t *sqliteTx) GetVendor(id string) (*Vendor, error) {
	return getVendor(t.ctx, t.q, id)
}

func (t *sqliteTx) SaveVendor(vendor *Vendor) error {
	var lastInvoice *string
	if vendor.LastInvoiceDate != nil {
		s := formatTime(*vendor.LastInvoiceDate)
		lastInvoice = &s
	}

	_, err := t.q.ExecContext(t.ctx, `INSERT INTO vendors (`+vendorColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    normalized_name = excluded.normalized_name,
    tax_id = excluded.tax_id,
    address = excluded.address,
    email = excluded.email,
    phone = excluded.phone,
    total_invoices = excluded.total_invoices,
    total_spend = excluded.total_spend,
    average_invoice_amount = excluded.average_invoice_amount,
    last_invoice_date = excluded.last_invoice_date,
    updated_at = excluded.updated_at`,
		vendor.ID, vendor.Name, vendor.NormalizedName,
		vendor.TaxID, vendor.Address, vendor.Email, vendor.Phone,
		vendor.TotalInvoices, vendor.TotalSpend.String(), vendor.AverageInvoiceAmount.String(),
		lastInvoice, formatTime(vendor.CreatedAt), formatTime(vendor.UpdatedAt),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return fmt.Errorf("%w: %q", ErrVendorConflict, vendor.Name)
		}
		return fmt.Errorf("saving vendor: %w", err)
	}

	for i, alias := range vendor.Aliases {
		_, err := t.q.ExecContext(t.ctx,
			`INSERT INTO vendor_aliases (vendor_id, alias, position) VALUES (?, ?, ?) ON CONFLICT(vendor_id, alias) DO NOTHING`,
			vendor.ID, alias, i)
		if err != nil {
			return fmt.Errorf("saving vendor alias: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) ReplaceLineItems(invoiceID string, items []*LineItem) error {
	if _, err := t.q.ExecContext(t.ctx, `DELETE FROM line_items WHERE invoice_id = ?`, invoiceID); err != nil {
		return fmt.Errorf("deleting line items: %w", err)
	}

	for _, item := range items {
		_, err := t.q.ExecContext(t.ctx, `INSERT INTO line_items (`+lineItemColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, invoiceID, item.Position, item.LineNumber, item.Description,
			item.Quantity, item.UnitPrice, item.Amount, item.TaxRate, item.TaxAmount,
			item.Category, item.SKU, item.Unit, item.Confidence)
		if err != nil {
			return fmt.Errorf("inserting line item %d: %w", item.Position, err)
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func getInvoice(ctx context.Context, q queryer, id string) (*Invoice, error) {
	row := q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	invoice, err := scanInvoice(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
	}
	return invoice, err
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var (
		invoice              Invoice
		status               string
		vendorID, raw        sql.NullString
		confidences          string
		createdAt, updatedAt string
	)
	err := row.Scan(&invoice.ID, &invoice.Filename, &invoice.ContentType, &status, &vendorID, &invoice.VendorName,
		&invoice.InvoiceNumber, &invoice.InvoiceDate, &invoice.DueDate, &invoice.Currency,
		&invoice.Subtotal, &invoice.TaxAmount, &invoice.DiscountAmount, &invoice.TotalAmount,
		&invoice.OverallConfidence, &confidences, &raw, &invoice.Note,
		&invoice.Model, &invoice.InputTokens, &invoice.OutputTokens, &invoice.PageCount,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}

	invoice.Status = Status(status)
	invoice.VendorID = vendorID.String
	if raw.Valid {
		invoice.RawExtraction = json.RawMessage(raw.String)
	}
	if err := json.Unmarshal([]byte(confidences), &invoice.FieldConfidences); err != nil {
		return nil, fmt.Errorf("unmarshaling field confidences: %w", err)
	}
	if invoice.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if invoice.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func getVendor(ctx context.Context, q queryer, id string) (*Vendor, error) {
	row := q.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = ?`, id)
	vendor, err := scanVendor(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: vendor %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if vendor.Aliases, err = loadAliases(ctx, q, id); err != nil {
		return nil, err
	}
	return vendor, nil
}

func scanVendor(row rowScanner) (*Vendor, error) {
	var (
		vendor               Vendor
		lastInvoice          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&vendor.ID, &vendor.Name, &vendor.NormalizedName,
		&vendor.TaxID, &vendor.Address, &vendor.Email, &vendor.Phone,
		&vendor.TotalInvoices, &vendor.TotalSpend, &vendor.AverageInvoiceAmount,
		&lastInvoice, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vendor: %w", err)
	}

	if lastInvoice.Valid {
		t, err := parseTime(lastInvoice.String)
		if err != nil {
			return nil, err
		}
		vendor.LastInvoiceDate = &t
	}
	if vendor.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if vendor.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &vendor, nil
}

func loadAliases(ctx context.Context, q queryer, vendorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT alias FROM vendor_aliases WHERE vendor_id = ? ORDER BY position`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("querying vendor aliases: %w", err)
	}
	defer rows.Close()

	aliases := make([]string, 0)
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scanning vendor alias: %w", err)
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
