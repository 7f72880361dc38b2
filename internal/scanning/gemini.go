package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiConfig configures the Gemini extractor
type GeminiConfig struct {
	// APIKey may be empty; GEMINI_API_KEY is then read on first use
	APIKey          string
	Model           string
	MaxOutputTokens int32
}

// Gemini implements the Extractor interface using Google Gemini structured output.
// The underlying client is created lazily on the first Extract call and reused
// for the lifetime of the process.
type Gemini struct {
	cfg GeminiConfig

	once    sync.Once
	client  *genai.Client
	model   *genai.GenerativeModel
	initErr error
}

// NewGemini creates a new Gemini extractor without contacting the API
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	return &Gemini{cfg: cfg}
}

// generativeModel builds the client on first use
func (g *Gemini) generativeModel() (*genai.GenerativeModel, error) {
	g.once.Do(func() {
		apiKey := g.cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			g.initErr = fmt.Errorf("%w: gemini api key is required (set --gemini-key or GEMINI_API_KEY)", ErrConfiguration)
			return
		}

		client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
		if err != nil {
			g.initErr = fmt.Errorf("creating gemini client: %w", err)
			return
		}

		model := client.GenerativeModel(g.cfg.Model)
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}
		model.SetTemperature(0)
		model.SetMaxOutputTokens(g.cfg.MaxOutputTokens)
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = geminiResponseSchema()

		g.client = client
		g.model = model
		slog.Info("Gemini client initialized", "model", g.cfg.Model)
	})
	return g.model, g.initErr
}

// Extract analyzes an invoice raster and returns the validated extraction
func (g *Gemini) Extract(ctx context.Context, raster *Raster) (*Extraction, error) {
	model, err := g.generativeModel()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: raster.MIMEType, Data: raster.Data},
		genai.Text(userInstruction),
	)
	if err != nil {
		var blocked *genai.BlockedError
		switch {
		case errors.As(err, &blocked):
			return nil, fmt.Errorf("%w: %v", ErrRefused, blocked)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("generating content: %w", err)
	}

	extraction, err := readGeminiResponse(resp)
	if err != nil {
		slog.Warn("Gemini response rejected",
			"model", g.cfg.Model,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	extraction.Model = g.cfg.Model

	slog.Info("Gemini extraction complete",
		"model", g.cfg.Model,
		"input_tokens", extraction.InputTokens,
		"output_tokens", extraction.OutputTokens,
		"confidence", extraction.Result.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extraction, nil
}

// readGeminiResponse classifies the terminal condition of a response and
// parses the structured text on normal completion
func readGeminiResponse(resp *genai.GenerateContentResponse) (*Extraction, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, fmt.Errorf("%w: prompt blocked (%s)", ErrRefused, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return nil, fmt.Errorf("%w: finish reason %s", ErrRefused, candidate.FinishReason)
	case genai.FinishReasonMaxTokens:
		return nil, fmt.Errorf("%w: the document was too complex for the output token budget", ErrTruncated)
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response from gemini", ErrInvalidResponse)
	}

	result, err := parseExtraction([]byte(raw))
	if err != nil {
		return nil, err
	}

	extraction := &Extraction{
		Result: result,
		Raw:    []byte(raw),
	}
	if resp.UsageMetadata != nil {
		extraction.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		extraction.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return extraction, nil
}

// Close closes the Gemini client if it was created
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
