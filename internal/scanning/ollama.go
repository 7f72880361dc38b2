package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama implements the Extractor interface using a local Ollama server.
// The model must support vision and structured outputs.
// Recommended models:
//   - qwen2.5vl:7b (good OCR capabilities)
//   - llama3.2-vision
//   - gemma3:12b
type Ollama struct {
	baseURL         string
	model           string
	maxOutputTokens int
	client          *http.Client
}

// NewOllama creates a new Ollama extractor. The HTTP client has no timeout of
// its own; callers bound the request with the context.
func NewOllama(baseURL string, modelName string, maxOutputTokens int) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "qwen2.5vl:7b"
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}

	return &Ollama{
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           modelName,
		maxOutputTokens: maxOutputTokens,
		client:          &http.Client{},
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   map[string]any  `json:"format"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Extract analyzes an invoice raster and returns the validated extraction
func (o *Ollama) Extract(ctx context.Context, raster *Raster) (*Extraction, error) {
	start := time.Now()

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: ExtractionJSONSchema(),
		Options: ollamaOptions{
			Temperature: 0,
			NumPredict:  o.maxOutputTokens,
		},
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: systemInstruction,
			},
			{
				Role:    "user",
				Content: userInstruction,
				Images:  []string{base64.StdEncoding.EncodeToString(raster.Data)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if chatResp.DoneReason == "length" {
		return nil, fmt.Errorf("%w: the document was too complex for the output token budget", ErrTruncated)
	}

	raw := strings.TrimSpace(chatResp.Message.Content)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response from ollama", ErrInvalidResponse)
	}

	result, err := parseExtraction([]byte(raw))
	if err != nil {
		slog.Warn("Ollama response rejected", "model", o.model, "error", err)
		return nil, err
	}

	slog.Info("Ollama extraction complete",
		"model", o.model,
		"input_tokens", chatResp.PromptEvalCount,
		"output_tokens", chatResp.EvalCount,
		"confidence", result.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &Extraction{
		Result:       result,
		Raw:          []byte(raw),
		Model:        o.model,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
	}, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
