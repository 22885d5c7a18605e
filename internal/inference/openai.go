package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	"github.com/ashureev/droidpilot/internal/prompt"
)

// DefaultBaseURL is the local OpenAI-compatible model server.
const DefaultBaseURL = "http://127.0.0.1:8000/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (vLLM, OpenAI, gateways).
type OpenAIClient struct {
	client      *azopenai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewOpenAIClient creates a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewOpenAIClient(baseURL, apiKey, model string, temperature float32, maxTokens int32, httpClient *http.Client) (*OpenAIClient, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		// Local servers ignore the key but the credential must be non-empty.
		apiKey = "not-needed"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse inference base url: %w", err)
	}
	var transport policy.Transporter = httpClient
	if u.Scheme == "http" {
		// azcore refuses key credentials over plain http; local model
		// servers usually listen without TLS.
		u.Scheme = "https"
		transport = plainHTTPTransport{client: httpClient}
	}

	client, err := azopenai.NewClientForOpenAI(strings.TrimSuffix(u.String(), "/"), azcore.NewKeyCredential(apiKey), &azopenai.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: transport},
	})
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAIClient{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

// Infer implements Client.
func (c *OpenAIClient) Infer(ctx context.Context, req *prompt.Request) (string, error) {
	parts := make([]azopenai.ChatCompletionRequestMessageContentPartClassification, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			parts = append(parts, &azopenai.ChatCompletionRequestMessageContentPartImage{
				ImageURL: &azopenai.ChatCompletionRequestMessageContentPartImageURL{URL: to.Ptr(p.DataURL())},
			})
			continue
		}
		parts = append(parts, &azopenai.ChatCompletionRequestMessageContentPartText{Text: to.Ptr(p.Text)})
	}

	opts := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.model),
		Messages: []azopenai.ChatRequestMessageClassification{
			&azopenai.ChatRequestSystemMessage{Content: azopenai.NewChatRequestSystemMessageContent(req.System)},
			&azopenai.ChatRequestUserMessage{Content: azopenai.NewChatRequestUserMessageContent(parts)},
		},
		Temperature: to.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		opts.MaxTokens = to.Ptr(c.maxTokens)
	}

	resp, err := c.client.GetChatCompletions(ctx, opts, nil)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", ErrEmptyResponse
	}
	return *resp.Choices[0].Message.Content, nil
}

// Close implements Client.
func (c *OpenAIClient) Close() error { return nil }

// plainHTTPTransport sends requests built for an https URL over http.
type plainHTTPTransport struct {
	client *http.Client
}

func (t plainHTTPTransport) Do(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	return t.client.Do(req)
}
