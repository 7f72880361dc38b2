package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// maxUploadSize bounds multipart uploads (high-resolution phone photos and scans)
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// contentTypeFor guesses a MIME type from the file extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListInvoices returns a list of all invoices
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.service.ListInvoices(r.Context())
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

// handleUploadInvoice stores an upload and runs the extraction
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	invoice, err := s.service.ProcessUpload(r.Context(), header.Filename, data, contentType)
	if invoice == nil {
		slog.Error("Error processing invoice", "filename", header.Filename, "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// A failed extraction is still a created invoice; the note explains why
	writeJSON(w, http.StatusCreated, invoice)
}

// handleGetInvoice returns an invoice with its line items
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, items, err := s.service.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "Invoice not found", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invoice":    invoice,
		"line_items": items,
	})
}

// handleGetInvoiceFile returns the uploaded file for an invoice
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetInvoiceFile(r.Context(), r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleRetryExtraction re-runs the extraction for an invoice
func (s *Server) handleRetryExtraction(w http.ResponseWriter, r *http.Request) {
	invoice, err := s.service.RetryExtraction(r.Context(), r.PathValue("id"))
	if invoice == nil {
		writeServiceError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

type renameRequest struct {
	Name string `json:"name"`
}

// handleRenameInvoiceVendor renames the vendor attributed to an invoice
func (s *Server) handleRenameInvoiceVendor(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		jsonError(w, "A vendor name is required", http.StatusBadRequest)
		return
	}

	invoice, vendor, err := s.service.RenameInvoiceVendor(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeServiceError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoice": invoice,
		"vendor":  vendor,
	})
}

// handleListVendors returns all vendors
func (s *Server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := s.service.ListVendors(r.Context())
	if err != nil {
		slog.Error("Error listing vendors", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, vendors)
}

// handleGetVendor returns a single vendor
func (s *Server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	vendor, err := s.service.GetVendor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "Vendor not found", err)
		return
	}
	writeJSON(w, http.StatusOK, vendor)
}

// handleRenameVendor renames a vendor
func (s *Server) handleRenameVendor(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		jsonError(w, "A vendor name is required", http.StatusBadRequest)
		return
	}

	vendor, err := s.service.RenameVendor(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeServiceError(w, "Vendor not found", err)
		return
	}
	writeJSON(w, http.StatusOK, vendor)
}

// writeServiceError maps store errors to status codes
func writeServiceError(w http.ResponseWriter, notFound string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		jsonError(w, notFound, http.StatusNotFound)
	case errors.Is(err, ErrVendorConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Error handling request", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}
