package relay

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	defaultHealthThreshold = 3
	defaultHealthWindow    = 5 * time.Minute
	defaultHealthCooldown  = 30 * time.Second
)

// HealthConfig tunes the per-backend circuit breaker.
type HealthConfig struct {
	// FailureThreshold failures inside FailureWindow open the circuit.
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`

	// Cooldown is how long an open circuit waits before a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultHealthThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultHealthWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultHealthCooldown
	}
	return c
}

// HealthTracker keeps a circuit breaker per backend. It only informs
// ordering; the dispatcher never skips a backend because of it.
type HealthTracker struct {
	cfg   HealthConfig
	clock clock.Clock

	mu       sync.Mutex
	backends map[string]*circuit
}

type circuit struct {
	state    HealthState
	failures []time.Time
	openedAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithHealthClock sets the clock used for failure windows and cooldowns.
func WithHealthClock(c clock.Clock) HealthOption {
	return func(h *HealthTracker) { h.clock = c }
}

// WithHealthConfig overrides the breaker thresholds. Zero fields keep
// their defaults.
func WithHealthConfig(cfg HealthConfig) HealthOption {
	return func(h *HealthTracker) { h.cfg = cfg.withDefaults() }
}

// NewHealthTracker creates a tracker where every backend starts healthy.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		cfg:      HealthConfig{}.withDefaults(),
		clock:    clock.WallClock,
		backends: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetHealth returns the backend's state. An open circuit whose cooldown
// has elapsed reports half-open.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.backends[name]
	if !ok {
		return HealthHealthy
	}
	return h.refresh(c)
}

// Snapshot returns the state of every backend that has been called.
func (h *HealthTracker) Snapshot() map[string]HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]HealthState, len(h.backends))
	for name, c := range h.backends {
		out[name] = h.refresh(c)
	}
	return out
}

// RecordSuccess closes the backend's circuit.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.circuit(name)
	c.state = HealthHealthy
	c.failures = c.failures[:0]
}

// RecordFailure counts a failed call. A failure while half-open reopens
// the circuit at once.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.circuit(name)
	now := h.clock.Now()

	switch h.refresh(c) {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		c.state = HealthUnhealthy
		c.openedAt = now
		return
	}

	cutoff := now.Add(-h.cfg.FailureWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)

	if len(c.failures) >= h.cfg.FailureThreshold {
		c.state = HealthUnhealthy
		c.openedAt = now
	}
}

// refresh moves an open circuit to half-open once its cooldown elapsed.
// Callers hold h.mu.
func (h *HealthTracker) refresh(c *circuit) HealthState {
	if c.state == HealthUnhealthy && h.clock.Now().Sub(c.openedAt) >= h.cfg.Cooldown {
		c.state = HealthHalfOpen
	}
	return c.state
}

func (h *HealthTracker) circuit(name string) *circuit {
	c, ok := h.backends[name]
	if !ok {
		c = &circuit{state: HealthHealthy}
		h.backends[name] = c
	}
	return c
}
