package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	relay "github.com/fixci/relay"
)

// Provider is a universal OpenAI-compatible chat completions adapter.
// Works with OpenAI, Cloudflare Workers AI and other compatible endpoints.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ relay.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL overrides the endpoint base URL.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewCloudflare creates a provider for the Workers AI OpenAI-compatible
// endpoint of the given Cloudflare account.
func NewCloudflare(accountID string, opts ...Option) *Provider {
	return New("cloudflare", "https://api.cloudflare.com/client/v4/accounts/"+accountID+"/ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Analyze(ctx context.Context, req relay.ProviderRequest) (relay.ProviderResponse, error) {
	body := apiRequest{
		Model: req.Model,
		Messages: []apiMessage{
			{Role: "system", Content: relay.SystemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	httpResp, err := p.doRequest(ctx, req.Auth, body)
	if err != nil {
		return relay.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := relay.StatusError(httpResp); err != nil {
		return relay.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("relay/%s: decode response: %w", p.name, err)
	}

	if len(resp.Choices) == 0 {
		return relay.ProviderResponse{}, fmt.Errorf("relay/%s: empty choices in response", p.name)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return relay.ProviderResponse{
		ID:      resp.ID,
		Model:   model,
		Content: resp.Choices[0].Message.Content,
		Usage: relay.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) doRequest(ctx context.Context, auth relay.Auth, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay/%s: marshal request: %w", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("relay/%s: create request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrProviderUnavailable, err)
	}

	return resp, nil
}
