package invoice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

// recordingExtractor returns a fixed result and keeps the raster it was sent
type recordingExtractor struct {
	result *scanning.ExtractionResult
	raster *scanning.Raster
}

func (r *recordingExtractor) Extract(ctx context.Context, raster *scanning.Raster) (*scanning.Extraction, error) {
	r.raster = raster
	raw, err := json.Marshal(r.result)
	if err != nil {
		return nil, err
	}
	return &scanning.Extraction{
		Result:       r.result,
		Raw:          raw,
		Model:        "integration-model",
		InputTokens:  1000,
		OutputTokens: 200,
	}, nil
}

func (r *recordingExtractor) Close() error {
	return nil
}

func pngBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Integration", func() {
	var (
		tempDir   string
		db        invoice.DB
		store     invoice.Storage
		extractor *recordingExtractor
		server    *invoice.Server
		ghServer  *ghttp.Server
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()

		var err error
		db, err = invoice.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = invoice.NewLocalStorage(filepath.Join(tempDir, "invoices"))
		Expect(err).NotTo(HaveOccurred())

		quantity := 2.0
		extractor = &recordingExtractor{
			result: &scanning.ExtractionResult{
				Vendor:      scanning.VendorInfo{Name: "Acme Corp"},
				Currency:    "USD",
				TotalAmount: 150,
				LineItems: []scanning.LineItem{
					{Description: "Widget", Quantity: &quantity, Amount: 100},
					{Description: "Gadget", Amount: 40},
					{Description: "Shipping", Amount: 10},
				},
				Confidence:       0.92,
				FieldConfidences: map[string]float64{"total_amount": 0.99},
			},
		}

		cfg := scanning.DefaultNormalizerConfig()
		cfg.MaxDimension = 256
		normalizer := scanning.NewImageNormalizer(cfg, nil)

		service := invoice.NewService(db, normalizer, extractor, store, invoice.DefaultConfig())
		server = invoice.NewServer(service, invoice.BasicAuth{})

		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		if ghServer != nil {
			ghServer.Close()
		}
		if db != nil {
			db.Close()
		}
	})

	It("uploads an invoice, extracts it and attributes the vendor", func() {
		// One handler per request
		ghServer.AppendHandlers(
			server.ServeHTTP, // upload
			server.ServeHTTP, // detail
			server.ServeHTTP, // vendors
		)

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "acme-march.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(pngBytes(512, 384))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/invoices", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var created invoice.Invoice
		respBody, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(respBody, &created)).To(Succeed())
		Expect(created.Status).To(Equal(invoice.StatusReview))
		Expect(created.Model).To(Equal("integration-model"))

		// The model saw a bounded JPEG, not the original upload
		Expect(extractor.raster).NotTo(BeNil())
		Expect(extractor.raster.MIMEType).To(Equal("image/jpeg"))
		Expect(extractor.raster.Width).To(Equal(256))
		Expect(extractor.raster.Height).To(Equal(192))

		stored, err := store.Get(created.Filename)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).NotTo(BeEmpty())

		detailResp, err := http.Get(ghServer.URL() + "/api/invoices/" + created.ID)
		Expect(err).NotTo(HaveOccurred())
		defer detailResp.Body.Close()
		var detail struct {
			Invoice   invoice.Invoice     `json:"invoice"`
			LineItems []*invoice.LineItem `json:"line_items"`
		}
		detailBody, err := io.ReadAll(detailResp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(detailBody, &detail)).To(Succeed())
		Expect(detail.LineItems).To(HaveLen(3))
		Expect(detail.LineItems[0].Description).To(Equal("Widget"))
		Expect(*detail.LineItems[0].Quantity).To(Equal(2.0))
		Expect(detail.LineItems[2].Description).To(Equal("Shipping"))

		vendorsResp, err := http.Get(ghServer.URL() + "/api/vendors")
		Expect(err).NotTo(HaveOccurred())
		defer vendorsResp.Body.Close()
		var vendors []*invoice.Vendor
		vendorsBody, err := io.ReadAll(vendorsResp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(vendorsBody, &vendors)).To(Succeed())
		Expect(vendors).To(HaveLen(1))
		Expect(vendors[0].ID).To(Equal(created.VendorID))
		Expect(vendors[0].TotalInvoices).To(Equal(1))
		Expect(vendors[0].TotalSpend.String()).To(Equal("150"))
	})
})
