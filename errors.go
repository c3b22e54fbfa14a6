package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrUnknownTier         = errors.New("relay: unknown tier")
	ErrAccountNotFound     = errors.New("relay: account not found")
	ErrNoProviderAvailable = errors.New("relay: no provider available")
	ErrAllProvidersFailed  = errors.New("relay: all providers failed")
	ErrInvalidStatus       = errors.New("relay: invalid status")
	ErrInvalidTier         = errors.New("relay: invalid tier")
	ErrInvalidRequest      = errors.New("relay: invalid request")
	ErrStoreUnavailable    = errors.New("relay: store unavailable")
	ErrDuplicateEvent      = errors.New("relay: duplicate event")

	ErrRateLimited         = errors.New("relay: rate limited by provider")
	ErrAuthFailed          = errors.New("relay: authentication failed")
	ErrProviderUnavailable = errors.New("relay: provider unavailable")
	ErrProviderTimeout     = errors.New("relay: provider timed out")
)

// UnknownTierError reports a tier name with no registered policy.
type UnknownTierError struct {
	Tier Tier
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("relay: unknown tier %q", string(e.Tier))
}

func (e *UnknownTierError) Is(target error) bool {
	return target == ErrUnknownTier
}

// ProviderError wraps the last backend error after every eligible backend
// has been tried.
type ProviderError struct {
	Err      error
	Provider string
	Model    string
	Attempts int
	Tried    []string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("relay: provider=%s model=%s attempts=%d tried=[%s]: %v",
		e.Provider, e.Model, e.Attempts, strings.Join(e.Tried, ","), e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// IsFatal returns true if the backend error points at misconfiguration
// rather than a transient outage. Fatal errors still trigger fallback.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the backend error is expected to clear on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Transient marks a storage error as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
