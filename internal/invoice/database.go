package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	invoiceBucketName    = "invoices"
	lineItemBucketName   = "line_items"
	vendorBucketName     = "vendors"
	vendorKeysBucketName = "vendor_keys"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrVendorConflict is returned when a vendor would share a normalized
	// name with another vendor
	ErrVendorConflict = errors.New("vendor name already in use")
)

// DB defines the interface for database operations
type DB interface {
	// SaveInvoice creates or replaces an invoice
	SaveInvoice(ctx context.Context, invoice *Invoice) error

	// GetInvoice retrieves an invoice by ID
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// ListInvoices returns all invoices
	ListInvoices(ctx context.Context) ([]*Invoice, error)

	// ListLineItems returns the line items of an invoice in order
	ListLineItems(ctx context.Context, invoiceID string) ([]*LineItem, error)

	// GetVendor retrieves a vendor by ID
	GetVendor(ctx context.Context, id string) (*Vendor, error)

	// ListVendors returns all vendors
	ListVendors(ctx context.Context) ([]*Vendor, error)

	// Update runs fn inside a read-write transaction. Transactions are
	// serialized, so a read-match-write sequence in fn cannot interleave
	// with another.
	Update(ctx context.Context, fn func(Tx) error) error

	// Close closes the database connection
	Close() error
}

// Tx is the set of operations available inside Update
type Tx interface {
	GetInvoice(id string) (*Invoice, error)
	SaveInvoice(invoice *Invoice) error

	// FindVendor returns the vendor whose name, normalized name or alias
	// matches name, or nil when there is none. Name and normalized name
	// hits win over alias hits.
	FindVendor(name string) (*Vendor, error)
	GetVendor(id string) (*Vendor, error)
	// SaveVendor returns ErrVendorConflict when another vendor already
	// holds the normalized name.
	SaveVendor(vendor *Vendor) error

	// ReplaceLineItems deletes the invoice's line items and inserts items
	ReplaceLineItems(invoiceID string, items []*LineItem) error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{invoiceBucketName, lineItemBucketName, vendorBucketName, vendorKeysBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveInvoice saves an invoice to the database
func (b *BoltDB) SaveInvoice(ctx context.Context, invoice *Invoice) error {
	return b.Update(ctx, func(tx Tx) error {
		return tx.SaveInvoice(invoice)
	})
}

// GetInvoice retrieves an invoice by ID
func (b *BoltDB) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var invoice *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		invoice, err = (&boltTx{tx: tx}).GetInvoice(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// ListInvoices returns all invoices
func (b *BoltDB) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var invoice Invoice
			if err := json.Unmarshal(v, &invoice); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			invoices = append(invoices, &invoice)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// ListLineItems returns the line items of an invoice ordered by position
func (b *BoltDB) ListLineItems(ctx context.Context, invoiceID string) ([]*LineItem, error) {
	items := make([]*LineItem, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		prefix := lineItemPrefix(invoiceID)
		c := tx.Bucket([]byte(lineItemBucketName)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item LineItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling line item: %w", err)
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// GetVendor retrieves a vendor by ID
func (b *BoltDB) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	var vendor *Vendor
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		vendor, err = (&boltTx{tx: tx}).GetVendor(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vendor, nil
}

// ListVendors returns all vendors
func (b *BoltDB) ListVendors(ctx context.Context) ([]*Vendor, error) {
	vendors := make([]*Vendor, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(vendorBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var vendor Vendor
			if err := json.Unmarshal(v, &vendor); err != nil {
				return fmt.Errorf("unmarshaling vendor: %w", err)
			}
			vendors = append(vendors, &vendor)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vendors, nil
}

// Update runs fn in a bolt read-write transaction. Bolt allows one writer at
// a time, which serializes vendor reconciliation.
func (b *BoltDB) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) GetInvoice(id string) (*Invoice, error) {
	data := t.tx.Bucket([]byte(invoiceBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
	}
	var invoice Invoice
	if err := json.Unmarshal(data, &invoice); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice: %w", err)
	}
	return &invoice, nil
}

func (t *boltTx) SaveInvoice(invoice *Invoice) error {
	data, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("marshaling invoice: %w", err)
	}
	return t.tx.Bucket([]byte(invoiceBucketName)).Put([]byte(invoice.ID), data)
}

func (t *boltTx) FindVendor(name string) (*Vendor, error) {
	keys := t.tx.Bucket([]byte(vendorKeysBucketName))

	// An exact name match always implies a normalized match
	id := keys.Get(normalizedKey(NormalizeVendorName(name)))
	if id == nil {
		id = keys.Get(aliasKey(name))
	}
	if id == nil {
		return nil, nil
	}
	return t.GetVendor(string(id))
}

func (t *boltTx) GetVendor(id string) (*Vendor, error) {
	data := t.tx.Bucket([]byte(vendorBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: vendor %s", ErrNotFound, id)
	}
	var vendor Vendor
	if err := json.Unmarshal(data, &vendor); err != nil {
		return nil, fmt.Errorf("unmarshaling vendor: %w", err)
	}
	return &vendor, nil
}

func (t *boltTx) SaveVendor(vendor *Vendor) error {
	keys := t.tx.Bucket([]byte(vendorKeysBucketName))
	vendors := t.tx.Bucket([]byte(vendorBucketName))

	newKey := normalizedKey(vendor.NormalizedName)
	if owner := keys.Get(newKey); owner != nil && string(owner) != vendor.ID {
		return fmt.Errorf("%w: %q", ErrVendorConflict, vendor.Name)
	}

	// Release the previous normalized name on rename
	if data := vendors.Get([]byte(vendor.ID)); data != nil {
		var previous Vendor
		if err := json.Unmarshal(data, &previous); err != nil {
			return fmt.Errorf("unmarshaling vendor: %w", err)
		}
		if previous.NormalizedName != vendor.NormalizedName {
			if err := keys.Delete(normalizedKey(previous.NormalizedName)); err != nil {
				return err
			}
		}
	}

	if err := keys.Put(newKey, []byte(vendor.ID)); err != nil {
		return err
	}
	for _, alias := range vendor.Aliases {
		// First vendor to claim an alias keeps it
		if keys.Get(aliasKey(alias)) == nil {
			if err := keys.Put(aliasKey(alias), []byte(vendor.ID)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(vendor)
	if err != nil {
		return fmt.Errorf("marshaling vendor: %w", err)
	}
	return vendors.Put([]byte(vendor.ID), data)
}

func (t *boltTx) ReplaceLineItems(invoiceID string, items []*LineItem) error {
	bucket := t.tx.Bucket([]byte(lineItemBucketName))
	prefix := lineItemPrefix(invoiceID)

	// Collect first; deleting while iterating skips keys
	var stale [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling line item: %w", err)
		}
		if err := bucket.Put(lineItemKey(invoiceID, item.Position), data); err != nil {
			return err
		}
	}
	return nil
}

func normalizedKey(normalized string) []byte {
	return []byte("n:" + normalized)
}

func aliasKey(alias string) []byte {
	return []byte("a:" + alias)
}

func lineItemPrefix(invoiceID string) []byte {
	return []byte(invoiceID + "/")
}

func lineItemKey(invoiceID string, position int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", invoiceID, position))
}
