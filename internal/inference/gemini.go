package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/ashureev/droidpilot/internal/prompt"
)

// DefaultGeminiModel is used when no model name is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiClient uses the Gemini API with inline image parts.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGeminiClient creates a Gemini API client. httpOpts may redirect it to
// another endpoint.
func NewGeminiClient(ctx context.Context, apiKey, model string, temperature float32, maxTokens int32, httpOpts *GeminiHTTPOptions) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" || model == "default" {
		model = DefaultGeminiModel
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if httpOpts != nil {
		cfg.HTTPClient = httpOpts.Client
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: httpOpts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

// GeminiHTTPOptions points the client at a different endpoint.
type GeminiHTTPOptions struct {
	BaseURL string
	Client  *http.Client
}

// Infer implements Client.
func (c *GeminiClient) Infer(ctx context.Context, req *prompt.Request) (string, error) {
	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			continue
		}
		parts = append(parts, genai.NewPartFromText(p.Text))
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Close implements Client.
func (c *GeminiClient) Close() error { return nil }
