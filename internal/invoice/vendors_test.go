package invoice

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

var _ = Describe("NormalizeVendorName", func() {
	It("trims and lowercases", func() {
		Expect(NormalizeVendorName("  Acme Corp\t")).To(Equal("acme corp"))
	})
})

var _ = Describe("appendAlias", func() {
	It("appends new names in order", func() {
		Expect(appendAlias([]string{"Acme"}, "ACME Inc")).To(Equal([]string{"Acme", "ACME Inc"}))
	})

	It("ignores known and blank names", func() {
		aliases := []string{"Acme"}
		Expect(appendAlias(aliases, "Acme")).To(Equal([]string{"Acme"}))
		Expect(appendAlias(aliases, " Acme ")).To(Equal([]string{"Acme"}))
		Expect(appendAlias(aliases, "   ")).To(Equal([]string{"Acme"}))
	})
})

var _ = Describe("renameVendor", func() {
	var (
		vendor *Vendor
		now    time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		vendor = &Vendor{Name: "Acme Corp", NormalizedName: "acme corp", Aliases: []string{"Acme Corp"}}
	})

	It("demotes the old name and takes the new one", func() {
		Expect(renameVendor(vendor, " Acme Corporation ", now)).To(BeTrue())
		Expect(vendor.Name).To(Equal("Acme Corporation"))
		Expect(vendor.NormalizedName).To(Equal("acme corporation"))
		Expect(vendor.Aliases).To(Equal([]string{"Acme Corp"}))
		Expect(vendor.UpdatedAt).To(Equal(now))
	})

	It("adds the old name when it was not an alias yet", func() {
		vendor.Aliases = []string{"ACME"}
		renameVendor(vendor, "Acme Corporation", now)
		Expect(vendor.Aliases).To(Equal([]string{"ACME", "Acme Corp"}))
	})

	It("does nothing when the name is unchanged", func() {
		Expect(renameVendor(vendor, "Acme Corp", now)).To(BeFalse())
		Expect(vendor.UpdatedAt.IsZero()).To(BeTrue())
	})
})

var _ = Describe("reconcileVendor", func() {
	var (
		ctx   context.Context
		db    DB
		now   time.Time
		ids   int
		newID func() string
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
		ids = 0
		newID = func() string {
			ids++
			return fmt.Sprintf("vendor-%d", ids)
		}
		var err error
		db, err = openBolt(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
	})

	reconcile := func(info scanning.VendorInfo, total string) (*Vendor, bool) {
		var (
			vendor  *Vendor
			created bool
		)
		Expect(db.Update(ctx, func(tx Tx) error {
			var err error
			vendor, created, err = reconcileVendor(tx, info, decimal.RequireFromString(total), now, newID)
			return err
		})).To(Succeed())
		return vendor, created
	}

	It("creates a vendor from the first invoice", func() {
		vendor, created := reconcile(scanning.VendorInfo{Name: " Acme Corp ", Email: strPtr("billing@acme.test")}, "150.00")

		Expect(created).To(BeTrue())
		Expect(vendor.ID).To(Equal("vendor-1"))
		Expect(vendor.Name).To(Equal("Acme Corp"))
		Expect(vendor.NormalizedName).To(Equal("acme corp"))
		Expect(vendor.Aliases).To(Equal([]string{"Acme Corp"}))
		Expect(vendor.TotalInvoices).To(Equal(1))
		Expect(vendor.TotalSpend.String()).To(Equal("150"))
		Expect(vendor.AverageInvoiceAmount.String()).To(Equal("150"))
		Expect(vendor.Email).To(Equal("billing@acme.test"))
		Expect(*vendor.LastInvoiceDate).To(Equal(now))
	})

	It("matches the same name without duplicating the alias", func() {
		reconcile(scanning.VendorInfo{Name: "Acme Corp"}, "100")
		vendor, created := reconcile(scanning.VendorInfo{Name: "Acme Corp"}, "50")

		Expect(created).To(BeFalse())
		Expect(vendor.ID).To(Equal("vendor-1"))
		Expect(vendor.TotalInvoices).To(Equal(2))
		Expect(vendor.Aliases).To(Equal([]string{"Acme Corp"}))

		vendors, err := db.ListVendors(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(vendors).To(HaveLen(1))
	})

	It("matches a case variant and records it as an alias", func() {
		reconcile(scanning.VendorInfo{Name: "Acme Corp"}, "100")
		vendor, created := reconcile(scanning.VendorInfo{Name: "ACME CORP"}, "100")

		Expect(created).To(BeFalse())
		Expect(vendor.Name).To(Equal("Acme Corp"))
		Expect(vendor.Aliases).To(Equal([]string{"Acme Corp", "ACME CORP"}))
	})

	It("keeps the average equal to spend over count", func() {
		totals := []string{"100.10", "250.55", "19.99", "0.01"}
		var vendor *Vendor
		sum := decimal.Zero
		for _, t := range totals {
			vendor, _ = reconcile(scanning.VendorInfo{Name: "Acme Corp"}, t)
			sum = sum.Add(decimal.RequireFromString(t))
		}

		Expect(vendor.TotalInvoices).To(Equal(len(totals)))
		Expect(vendor.TotalSpend.Equal(sum)).To(BeTrue())
		expected := sum.Div(decimal.NewFromInt(int64(len(totals))))
		Expect(vendor.AverageInvoiceAmount.Equal(expected)).To(BeTrue())
	})

	It("fills blank contact fields without overwriting known ones", func() {
		reconcile(scanning.VendorInfo{Name: "Acme Corp", Phone: strPtr("555-0100")}, "10")
		vendor, _ := reconcile(scanning.VendorInfo{
			Name:    "Acme Corp",
			Phone:   strPtr("555-9999"),
			TaxID:   strPtr("US-12-345"),
			Address: strPtr("1 Main St"),
		}, "10")

		Expect(vendor.Phone).To(Equal("555-0100"))
		Expect(vendor.TaxID).To(Equal("US-12-345"))
		Expect(vendor.Address).To(Equal("1 Main St"))
	})
})
