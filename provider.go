package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Provider is the interface that text-generation backend adapters must implement.
type Provider interface {
	// Name returns the backend identifier (e.g. "claude", "openai", "gemini").
	Name() string

	// Analyze sends the prompt to the backend and returns its raw text.
	Analyze(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// Auth holds authentication credentials for a backend.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a backend adapter.
type ProviderRequest struct {
	Auth    Auth
	Model   string
	Prompt  string
	Logs    string
	Context FailureContext

	MaxTokens   int
	Temperature float64
}

// ProviderResponse is the raw response from a backend adapter.
type ProviderResponse struct {
	ID      string
	Model   string
	Content string
	Usage   Usage
}

// StatusError maps a non-2xx backend HTTP response to a classification
// error. It returns nil for 2xx responses and closes the body otherwise.
func StatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
}
