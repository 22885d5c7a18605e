// Package inference sends prompt requests to a vision-language model and
// returns its raw text answer.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/droidpilot/internal/prompt"
)

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendGRPC   = "grpc"
)

var (
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("inference returned no content")
	// ErrUnknownBackend is returned by New for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown inference backend")
)

// Client is a black-box model call: a prompt in, raw text out.
type Client interface {
	Infer(ctx context.Context, req *prompt.Request) (string, error)
	Close() error
}

// Ensure the backends implement Client.
var (
	_ Client = (*OpenAIClient)(nil)
	_ Client = (*GeminiClient)(nil)
	_ Client = (*GrpcClient)(nil)
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32
	// Timeout bounds each Infer call.
	Timeout      time.Duration
	GeminiAPIKey string
	GRPCAddr     string
	Logger       *slog.Logger
}

// New builds the client for opts.Backend.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "inference", "backend", opts.Backend)

	var (
		c   Client
		err error
	)
	switch opts.Backend {
	case BackendOpenAI, "":
		c, err = NewOpenAIClient(opts.BaseURL, opts.APIKey, opts.Model, opts.Temperature, opts.MaxTokens, nil)
	case BackendGemini:
		c, err = NewGeminiClient(ctx, opts.GeminiAPIKey, opts.Model, opts.Temperature, opts.MaxTokens, nil)
	case BackendGRPC:
		c, err = NewGrpcClient(opts.GRPCAddr, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Inference client ready", "model", opts.Model)
	if opts.Timeout > 0 {
		return &timeoutClient{Client: c, timeout: opts.Timeout}, nil
	}
	return c, nil
}

// timeoutClient bounds every call with a deadline.
type timeoutClient struct {
	Client
	timeout time.Duration
}

func (t *timeoutClient) Infer(ctx context.Context, req *prompt.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Client.Infer(ctx, req)
}
