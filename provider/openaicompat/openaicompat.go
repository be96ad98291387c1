// Package openaicompat calls OpenAI-compatible chat completion APIs. Its
// Client is an llmgate.CallFunc, and every failure it returns is classified
// so the orchestrator can retry or fail over.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hardik936/llmgate"
)

// Endpoint is one provider's API.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAI returns the OpenAI endpoint for model.
func OpenAI(apiKey, model string) Endpoint {
	return Endpoint{BaseURL: "https://api.openai.com/v1", APIKey: apiKey, Model: model}
}

// Groq returns the Groq endpoint for model.
func Groq(apiKey, model string) Endpoint {
	return Endpoint{BaseURL: "https://api.groq.com/openai/v1", APIKey: apiKey, Model: model}
}

// Grok returns the xAI endpoint for model.
func Grok(apiKey, model string) Endpoint {
	return Endpoint{BaseURL: "https://api.x.ai/v1", APIKey: apiKey, Model: model}
}

// Message is a chat message. A Request whose Payload is a []Message is
// sent as is; otherwise Prompt becomes a single user message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the CallResult value of a successful completion.
type Result struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
}

// Client dispatches calls to the endpoint registered for each provider.
type Client struct {
	endpoints  map[string]Endpoint
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithEndpoint registers the endpoint of provider.
func WithEndpoint(provider string, e Endpoint) Option {
	return func(cl *Client) { cl.endpoints[provider] = e }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		endpoints:  make(map[string]Endpoint),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Call is an llmgate.CallFunc.
func (c *Client) Call(ctx context.Context, provider string, req llmgate.Request) (llmgate.CallResult, error) {
	ep, ok := c.endpoints[provider]
	if !ok {
		return llmgate.CallResult{}, fmt.Errorf("%w: no endpoint for provider %q", llmgate.ErrInvalidRequest, provider)
	}

	httpResp, err := c.doRequest(ctx, ep, buildRequest(ep, req))
	if err != nil {
		return llmgate.CallResult{}, &llmgate.ProviderCallError{
			Provider: provider,
			Class:    transportClass(err),
			Err:      err,
		}
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(provider, httpResp); err != nil {
		return llmgate.CallResult{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return llmgate.CallResult{}, fmt.Errorf("%w: decode response: %v", llmgate.ErrSchema, err)
	}
	if len(resp.Choices) == 0 {
		return llmgate.CallResult{}, fmt.Errorf("%w: empty choices in response", llmgate.ErrSchema)
	}

	return llmgate.CallResult{
		Value: Result{
			ID:           resp.ID,
			Model:        resp.Model,
			Content:      resp.Choices[0].Message.Content,
			FinishReason: resp.Choices[0].FinishReason,
		},
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func buildRequest(ep Endpoint, req llmgate.Request) apiRequest {
	msgs, ok := req.Payload.([]Message)
	if !ok {
		msgs = []Message{{Role: "user", Content: req.Prompt}}
	}
	return apiRequest{Model: ep.Model, Messages: msgs}
}

func (c *Client) doRequest(ctx context.Context, ep Endpoint, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	return c.httpClient.Do(httpReq)
}

// transportClass classifies a failed round trip. A cancelled caller is
// fatal; everything else on the wire is worth another provider.
func transportClass(err error) llmgate.ErrorClass {
	if errors.Is(err, context.Canceled) {
		return llmgate.ClassFatal
	}
	if c := llmgate.Classify(err); c == llmgate.ClassTransient {
		return c
	}
	return llmgate.ClassTransient
}

func mapHTTPError(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return llmgate.StatusError(provider, resp.StatusCode, strings.TrimSpace(string(body)))
}
