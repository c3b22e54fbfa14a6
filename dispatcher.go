package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dispatcher sends failure logs to the backends a tier may use, trying them
// one at a time until one succeeds.
type Dispatcher struct {
	cfg       Config
	tiers     TierLookup
	providers map[string]Provider
	policy    Policy
	meter     Meter
	health    *HealthTracker
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy sets the ordering policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithCursor sets the shared round-robin cursor used by the default policy.
func WithCursor(c Cursor) Option {
	return func(d *Dispatcher) {
		d.policy = &TierOrder{Cursor: c, OnCursorError: d.cursorFailed}
	}
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(d *Dispatcher) { d.health = h }
}

// WithTimeout bounds every backend call.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher over the given backend adapters.
// Backends without credentials in cfg are never tried.
func NewDispatcher(cfg Config, tiers TierLookup, providers []Provider, opts ...Option) (*Dispatcher, error) {
	if tiers == nil {
		return nil, fmt.Errorf("relay: tier lookup is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if _, dup := provMap[p.Name()]; dup {
			return nil, fmt.Errorf("relay: duplicate provider %q", p.Name())
		}
		provMap[p.Name()] = p
	}

	d := &Dispatcher{
		cfg:       cfg,
		tiers:     tiers,
		providers: provMap,
		health:    NewHealthTracker(WithHealthConfig(cfg.Dispatch.Health)),
		timeout:   cfg.Dispatch.Timeout,
		logger:    zap.NewNop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	// Apply defaults after options.
	if d.policy == nil {
		d.policy = &TierOrder{Cursor: &AtomicCursor{}, OnCursorError: d.cursorFailed}
	}
	if d.meter == nil {
		d.meter = noopMeter{}
	}
	if d.timeout <= 0 {
		d.timeout = defaultDispatchTimeout
	}

	return d, nil
}

// BackendHealth reports the circuit state of every backend called so far.
func (d *Dispatcher) BackendHealth() map[string]HealthState {
	return d.health.Snapshot()
}

// Available returns the names of backends that have credentials present.
func (d *Dispatcher) Available() []string {
	return candidateNames(availableCandidates(d.cfg, d.providers, d.health))
}

// Dispatch analyzes content for an account on the given tier. It fails with
// ErrNoProviderAvailable when no backend is configured, and with a
// *ProviderError wrapping the last backend's error when all of them fail.
func (d *Dispatcher) Dispatch(ctx context.Context, content string, fc FailureContext, tier Tier) (Result, error) {
	available := availableCandidates(d.cfg, d.providers, d.health)
	if len(available) == 0 {
		return Result{}, ErrNoProviderAvailable
	}

	tp, err := d.tiers.GetPolicy(ctx, tier)
	if err != nil {
		return Result{}, err
	}

	allowAll := tp.AllowsAll()
	eligible := eligibleCandidates(available, tp)
	if len(eligible) == 0 {
		// Fail open: a misconfigured allow-list must not deny service.
		d.logger.Warn("no eligible backend for tier, falling back to all available",
			zap.String("tier", string(tier)),
			zap.Strings("allowed", tp.AllowedBackends),
			zap.Strings("available", candidateNames(available)),
		)
		eligible = available
	}

	ordered := d.policy.Order(ctx, eligible, allowAll)
	prompt := BuildPrompt(content, fc)

	var (
		lastErr error
		last    Candidate
		tried   []string
	)
	for attempt, c := range ordered {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		d.meter.OnAttempt(AttemptEvent{
			Provider:   c.Name,
			Model:      c.Model,
			Tier:       tier,
			AttemptNum: attempt + 1,
			Health:     c.Health,
		})
		tried = append(tried, c.Name)
		last = c

		start := d.now()
		resp, err := d.invoke(ctx, c, ProviderRequest{
			Auth:        c.Auth,
			Model:       c.Model,
			Prompt:      prompt,
			Logs:        content,
			Context:     fc,
			MaxTokens:   2000,
			Temperature: 0.3,
		})
		duration := d.now().Sub(start)

		if err != nil {
			d.health.RecordFailure(c.Name)
			d.meter.OnResult(ResultEvent{
				Provider: c.Name,
				Model:    c.Model,
				Tier:     tier,
				Success:  false,
				Duration: duration,
				Error:    err,
			})
			d.logger.Warn("backend failed",
				zap.String("provider", c.Name),
				zap.String("model", c.Model),
				zap.Int("attempt", attempt+1),
				zap.Bool("fatal", IsFatal(err)),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		result := normalize(c, prompt, resp, duration)
		result.Tried = tried
		d.health.RecordSuccess(c.Name)
		d.meter.OnResult(ResultEvent{
			Provider: c.Name,
			Model:    result.Model,
			Tier:     tier,
			Success:  true,
			Duration: duration,
			Usage: Usage{
				InputTokens:  result.InputTokens,
				OutputTokens: result.OutputTokens,
				TotalTokens:  result.TotalTokens,
			},
			CostUSD:    result.EstimatedCostUSD,
			Confidence: result.ConfidenceScore,
		})
		return result, nil
	}

	return Result{}, &ProviderError{
		Err:      lastErr,
		Provider: last.Name,
		Model:    last.Model,
		Attempts: len(tried),
		Tried:    tried,
	}
}

type invokeResult struct {
	resp ProviderResponse
	err  error
}

// invoke calls the backend under the dispatch timeout. The timeout is
// enforced here even if the adapter ignores its context.
func (d *Dispatcher) invoke(ctx context.Context, c Candidate, req ProviderRequest) (ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		resp, err := c.Provider.Analyze(ctx, req)
		done <- invokeResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return ProviderResponse{}, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, c.Name, d.timeout)
		}
		return r.resp, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProviderResponse{}, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, c.Name, d.timeout)
		}
		return ProviderResponse{}, ctx.Err()
	}
}

func (d *Dispatcher) cursorFailed(err error) {
	d.logger.Warn("round-robin cursor unavailable", zap.Error(err))
}

// normalize converts a raw backend response into the fixed result shape.
func normalize(c Candidate, prompt string, resp ProviderResponse, duration time.Duration) Result {
	analysis := ParseAnalysis(resp.Content)

	usage := resp.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.TotalTokens == 0 {
		usage.InputTokens = EstimateTokens(prompt)
		usage.OutputTokens = EstimateTokens(resp.Content)
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	model := resp.Model
	if model == "" {
		model = c.Model
	}

	return Result{
		Provider:         c.Name,
		Model:            model,
		Summary:          analysis.Summary,
		RootCause:        analysis.RootCause,
		Fix:              analysis.Fix,
		CodeExample:      analysis.CodeExample,
		ConfidenceScore:  analysis.Confidence,
		ProcessingTimeMs: duration.Milliseconds(),
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		TotalTokens:      usage.TotalTokens,
		EstimatedCostUSD: c.Pricing.Cost(usage),
	}
}
