// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	relay "github.com/fixci/relay"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// DefaultModel serves short logs.
	DefaultModel = "claude-3-5-haiku-20241022"
	// LargeModel serves logs longer than LargeLogThreshold bytes.
	LargeModel = "claude-sonnet-4-20250514"

	LargeLogThreshold = 10000
)

// Provider is the Anthropic Messages API adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	small      string
	large      string
}

var _ relay.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels overrides the short-log and long-log models.
func WithModels(small, large string) Option {
	return func(p *Provider) {
		p.small = small
		p.large = large
	}
}

// New creates a new Anthropic provider registered as "claude".
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		small:      DefaultModel,
		large:      LargeModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "claude" }

// Model picks the model for a request. A configured model wins; otherwise
// long logs go to the larger model.
func (p *Provider) Model(req relay.ProviderRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if len(req.Logs) > LargeLogThreshold {
		return p.large
	}
	return p.small
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Analyze(ctx context.Context, req relay.ProviderRequest) (relay.ProviderResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	body := messagesRequest{
		Model:       p.Model(req),
		System:      relay.SystemPrompt,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("relay/claude: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("relay/claude: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Auth.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return relay.ProviderResponse{}, ctx.Err()
		}
		return relay.ProviderResponse{}, fmt.Errorf("%w: %v", relay.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := relay.StatusError(httpResp); err != nil {
		return relay.ProviderResponse{}, err
	}

	var resp messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("relay/claude: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return relay.ProviderResponse{}, fmt.Errorf("relay/claude: no text content in response")
	}

	model := resp.Model
	if model == "" {
		model = body.Model
	}
	return relay.ProviderResponse{
		ID:      resp.ID,
		Model:   model,
		Content: text.String(),
		Usage: relay.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
