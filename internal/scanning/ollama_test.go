package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server     *ghttp.Server
		ollama     *Ollama
		raster     *Raster
		captured   ollamaChatRequest
		chatResp   ollamaChatResponse
		status     int
		ctx        context.Context
		extraction *Extraction
		err        error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ollama = NewOllama(server.URL()+"/", "test-vision", 4096)
		raster = &Raster{Data: []byte("jpeg-bytes"), MIMEType: "image/jpeg"}
		ctx = context.Background()
		status = http.StatusOK
		chatResp = ollamaChatResponse{
			Model:           "test-vision",
			Message:         ollamaMessage{Role: "assistant", Content: validReply},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 900,
			EvalCount:       210,
		}
		captured = ollamaChatRequest{}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
			ghttp.VerifyContentType("application/json"),
			func(w http.ResponseWriter, r *http.Request) {
				body, readErr := io.ReadAll(r.Body)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(json.Unmarshal(body, &captured)).To(Succeed())
			},
			func(w http.ResponseWriter, r *http.Request) {
				if status != http.StatusOK {
					w.WriteHeader(status)
					_, _ = w.Write([]byte("model not found"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(chatResp)
			},
		))
		extraction, err = ollama.Extract(ctx, raster)
	})

	It("sends the schema as the output format with the token ceiling", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(captured.Model).To(Equal("test-vision"))
		Expect(captured.Stream).To(BeFalse())
		Expect(captured.Format).To(HaveKeyWithValue("additionalProperties", false))
		Expect(captured.Options.NumPredict).To(Equal(4096))
		Expect(captured.Options.Temperature).To(BeZero())
	})

	It("attaches the raster to the user message", func() {
		Expect(captured.Messages).To(HaveLen(2))
		Expect(captured.Messages[0].Role).To(Equal("system"))
		Expect(captured.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))))
	})

	It("returns the validated extraction with token usage", func() {
		Expect(extraction.Result.TotalAmount).To(Equal(150.0))
		Expect(extraction.Model).To(Equal("test-vision"))
		Expect(extraction.InputTokens).To(Equal(900))
		Expect(extraction.OutputTokens).To(Equal(210))
	})

	When("the model hits the output limit", func() {
		BeforeEach(func() {
			chatResp.DoneReason = "length"
			chatResp.Message.Content = `{"vendor": {"name": "Ac`
		})

		It("returns ErrTruncated", func() {
			Expect(err).To(MatchError(ErrTruncated))
		})
	})

	When("the reply violates the schema", func() {
		BeforeEach(func() {
			chatResp.Message.Content = `{"vendor": {"name": "Acme"}, "total_amount": "150"}`
		})

		It("returns ErrInvalidResponse", func() {
			Expect(err).To(MatchError(ErrInvalidResponse))
		})
	})

	When("the reply is empty", func() {
		BeforeEach(func() {
			chatResp.Message.Content = ""
		})

		It("returns ErrInvalidResponse", func() {
			Expect(err).To(MatchError(ErrInvalidResponse))
		})
	})

	When("the server returns an error status", func() {
		BeforeEach(func() {
			status = http.StatusNotFound
		})

		It("returns an error with the status", func() {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("status 404"))
		})
	})

	When("the deadline has passed", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Nanosecond)
			DeferCleanup(cancel)
			time.Sleep(time.Millisecond)
		})

		It("returns ErrTimeout", func() {
			Expect(err).To(MatchError(ErrTimeout))
		})
	})
})
