package mock

import (
	"context"
	"sync/atomic"
	"time"

	relay "github.com/fixci/relay"
)

// DefaultContent is a well-formed analysis returned when no content is set.
const DefaultContent = `## Summary
Unit tests failed in the mock job

## Root Cause
A mocked assertion did not hold

## Suggested Fix
Fix the mocked assertion

## Code Example
` + "```go" + `
assert.True(t, ok)
` + "```" + `

## Confidence
high`

// Provider is a mock analysis backend for testing.
type Provider struct {
	name         string
	content      string
	latency      time.Duration
	ignoreCtx    bool
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        relay.Usage
	responseFunc func(relay.ProviderRequest) (relay.ProviderResponse, error)
	lastReq      atomic.Pointer[relay.ProviderRequest]
}

var _ relay.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		content: DefaultContent,
		usage: relay.Usage{
			InputTokens:  10,
			OutputTokens: 20,
			TotalTokens:  30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithContent sets the raw text returned by the mock.
func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithIgnoreContext makes the simulated latency ignore cancellation,
// like a backend that never checks its context.
func WithIgnoreContext() Option {
	return func(p *Provider) { p.ignoreCtx = true }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u relay.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(relay.ProviderRequest) (relay.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Analyze(ctx context.Context, req relay.ProviderRequest) (relay.ProviderResponse, error) {
	p.lastReq.Store(&req)

	if p.latency > 0 {
		if p.ignoreCtx {
			time.Sleep(p.latency)
		} else {
			select {
			case <-time.After(p.latency):
			case <-ctx.Done():
				return relay.ProviderResponse{}, ctx.Err()
			}
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return relay.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return relay.ProviderResponse{}, relay.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return relay.ProviderResponse{
		ID:      "mock-response-id",
		Model:   req.Model,
		Content: p.content,
		Usage:   p.usage,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// LastRequest returns the most recent request, if any.
func (p *Provider) LastRequest() (relay.ProviderRequest, bool) {
	r := p.lastReq.Load()
	if r == nil {
		return relay.ProviderRequest{}, false
	}
	return *r, true
}
