package relay

import (
	"context"
	"sync/atomic"
)

// Policy builds the try-order over eligible candidates.
type Policy interface {
	// Order returns candidates in the order they should be tried. allowAll is
	// true when the tier permits every backend.
	Order(ctx context.Context, candidates []Candidate, allowAll bool) []Candidate
}

// Candidate is a configured backend that may serve a request.
type Candidate struct {
	Provider Provider
	Name     string
	Model    string
	Auth     Auth
	Pricing  Pricing
	Health   HealthState
}

// Cursor is a shared rotation counter. Implementations need not be
// linearizable; an uneven rotation only affects load balance.
type Cursor interface {
	// Next returns the current position and advances it.
	Next(ctx context.Context) (uint64, error)
}

// AtomicCursor is an in-process Cursor.
type AtomicCursor struct {
	n atomic.Uint64
}

var _ Cursor = (*AtomicCursor)(nil)

func (c *AtomicCursor) Next(context.Context) (uint64, error) {
	return c.n.Add(1) - 1, nil
}

// TierOrder rotates through candidates with a shared cursor when the tier
// allows every backend, and keeps the declared priority order otherwise.
type TierOrder struct {
	Cursor Cursor
	// OnCursorError is called when the cursor cannot be read; rotation then
	// starts at the first candidate.
	OnCursorError func(error)
}

var _ Policy = (*TierOrder)(nil)

func (p *TierOrder) Order(ctx context.Context, candidates []Candidate, allowAll bool) []Candidate {
	result := make([]Candidate, len(candidates))
	copy(result, candidates)
	if !allowAll || len(result) < 2 || p.Cursor == nil {
		return result
	}

	pos, err := p.Cursor.Next(ctx)
	if err != nil {
		if p.OnCursorError != nil {
			p.OnCursorError(err)
		}
		pos = 0
	}
	start := int(pos % uint64(len(result)))
	return append(result[start:], result[:start]...)
}

// HealthState describes the health of a backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
