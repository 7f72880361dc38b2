package scanning

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func geminiResponse(finish genai.FinishReason, text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				FinishReason: finish,
				Content:      &genai.Content{Parts: []genai.Part{genai.Text(text)}},
			},
		},
		UsageMetadata: &genai.UsageMetadata{
			PromptTokenCount:     1200,
			CandidatesTokenCount: 340,
		},
	}
}

var _ = Describe("Gemini", func() {
	Describe("NewGemini", func() {
		It("applies defaults", func() {
			g := NewGemini(GeminiConfig{})
			Expect(g.cfg.Model).To(Equal("gemini-2.5-flash"))
			Expect(g.cfg.MaxOutputTokens).To(Equal(int32(8192)))
		})

		It("fails with a configuration error when no key is available", func() {
			GinkgoT().Setenv("GEMINI_API_KEY", "")
			g := NewGemini(GeminiConfig{})

			_, err := g.Extract(context.Background(), &Raster{Data: []byte{1}, MIMEType: "image/jpeg"})
			Expect(err).To(MatchError(ErrConfiguration))
			Expect(g.Close()).To(Succeed())
		})
	})

	Describe("readGeminiResponse", func() {
		var (
			resp       *genai.GenerateContentResponse
			extraction *Extraction
			err        error
		)

		JustBeforeEach(func() {
			extraction, err = readGeminiResponse(resp)
		})

		When("the model stops normally", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonStop, validReply)
			})

			It("returns the parsed extraction with token usage", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(extraction.Result.Vendor.Name).To(Equal("Acme Corp"))
				Expect(extraction.InputTokens).To(Equal(1200))
				Expect(extraction.OutputTokens).To(Equal(340))
				Expect(string(extraction.Raw)).To(ContainSubstring(`"total_amount": 150.0`))
			})
		})

		When("the prompt is blocked", func() {
			BeforeEach(func() {
				resp = &genai.GenerateContentResponse{
					PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
				}
			})

			It("returns ErrRefused", func() {
				Expect(err).To(MatchError(ErrRefused))
			})
		})

		When("the candidate stops for safety", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonSafety, "")
			})

			It("returns ErrRefused", func() {
				Expect(err).To(MatchError(ErrRefused))
			})
		})

		When("the candidate stops for recitation", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonRecitation, "")
			})

			It("returns ErrRefused", func() {
				Expect(err).To(MatchError(ErrRefused))
			})
		})

		When("the output token budget runs out", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonMaxTokens, `{"vendor": {"name": "Ac`)
			})

			It("returns ErrTruncated", func() {
				Expect(err).To(MatchError(ErrTruncated))
			})
		})

		When("there are no candidates", func() {
			BeforeEach(func() {
				resp = &genai.GenerateContentResponse{}
			})

			It("returns ErrInvalidResponse", func() {
				Expect(err).To(MatchError(ErrInvalidResponse))
			})
		})

		When("the text is empty", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonStop, "  ")
			})

			It("returns ErrInvalidResponse", func() {
				Expect(err).To(MatchError(ErrInvalidResponse))
			})
		})

		When("the text does not match the schema", func() {
			BeforeEach(func() {
				resp = geminiResponse(genai.FinishReasonStop, `{"vendor": {"name": "Acme"}}`)
			})

			It("returns ErrInvalidResponse", func() {
				Expect(err).To(MatchError(ErrInvalidResponse))
			})
		})
	})
})
