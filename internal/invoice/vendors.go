package invoice

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

// NormalizeVendorName returns the secondary matching key for a vendor name
func NormalizeVendorName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// appendAlias adds alias unless it is blank or already known
func appendAlias(aliases []string, alias string) []string {
	alias = strings.TrimSpace(alias)
	if alias == "" || slices.Contains(aliases, alias) {
		return aliases
	}
	return append(aliases, alias)
}

// reconcileVendor attributes an extracted vendor to the registry inside tx.
// A matching vendor absorbs the invoice total into its aggregates; otherwise
// a new vendor is created. The bool reports whether the vendor is new.
func reconcileVendor(tx Tx, info scanning.VendorInfo, total decimal.Decimal, now time.Time, newID func() string) (*Vendor, bool, error) {
	name := strings.TrimSpace(info.Name)

	vendor, err := tx.FindVendor(name)
	if err != nil {
		return nil, false, fmt.Errorf("finding vendor: %w", err)
	}

	created := vendor == nil
	if created {
		vendor = &Vendor{
			ID:             newID(),
			Name:           name,
			NormalizedName: NormalizeVendorName(name),
			Aliases:        []string{name},
			TotalSpend:     decimal.Zero,
			CreatedAt:      now,
		}
	} else {
		vendor.Aliases = appendAlias(vendor.Aliases, name)
	}

	fillContact(vendor, info)
	vendor.TotalInvoices++
	vendor.TotalSpend = vendor.TotalSpend.Add(total)
	vendor.AverageInvoiceAmount = vendor.TotalSpend.Div(decimal.NewFromInt(int64(vendor.TotalInvoices)))
	vendor.LastInvoiceDate = &now
	vendor.UpdatedAt = now

	if err := tx.SaveVendor(vendor); err != nil {
		return nil, false, fmt.Errorf("saving vendor: %w", err)
	}
	return vendor, created, nil
}

// releaseVendor takes a previously attributed invoice total back out of a
// vendor's aggregates so a retried extraction is not counted twice
func releaseVendor(tx Tx, vendorID string, total decimal.Decimal, now time.Time) error {
	vendor, err := tx.GetVendor(vendorID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting vendor: %w", err)
	}
	if vendor.TotalInvoices == 0 {
		return nil
	}

	vendor.TotalInvoices--
	vendor.TotalSpend = vendor.TotalSpend.Sub(total)
	if vendor.TotalInvoices == 0 {
		vendor.TotalSpend = decimal.Zero
		vendor.AverageInvoiceAmount = decimal.Zero
	} else {
		vendor.AverageInvoiceAmount = vendor.TotalSpend.Div(decimal.NewFromInt(int64(vendor.TotalInvoices)))
	}
	vendor.UpdatedAt = now

	if err := tx.SaveVendor(vendor); err != nil {
		return fmt.Errorf("saving vendor: %w", err)
	}
	return nil
}

// fillContact copies reported contact fields into blanks only; a reviewer's
// edits are never overwritten by a later extraction
func fillContact(vendor *Vendor, info scanning.VendorInfo) {
	fill := func(dst *string, src *string) {
		if *dst == "" && src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	fill(&vendor.TaxID, info.TaxID)
	fill(&vendor.Address, info.Address)
	fill(&vendor.Email, info.Email)
	fill(&vendor.Phone, info.Phone)
}

// renameVendor demotes the current name into the aliases and takes newName.
// It reports false when the name is unchanged.
func renameVendor(vendor *Vendor, newName string, now time.Time) bool {
	newName = strings.TrimSpace(newName)
	if newName == vendor.Name {
		return false
	}
	vendor.Aliases = appendAlias(vendor.Aliases, vendor.Name)
	vendor.Name = newName
	vendor.NormalizedName = NormalizeVendorName(newName)
	vendor.UpdatedAt = now
	return true
}
