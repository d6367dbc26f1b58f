// Package domain provides the core models shared across the lifecycle
// engine: strategies, metrics, rulesets, statuses and the error taxonomy.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes every component is expected to
// distinguish. Callers match with errors.Is.
var (
	// ErrUnavailable means all market-data providers were exhausted.
	ErrUnavailable = errors.New("market data unavailable")
	// ErrRateLimited means a provider budget or queue cap refused the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnsupported means the provider does not implement an optional method.
	ErrUnsupported = errors.New("method not supported by provider")
	// ErrInsufficientData means too few candles for a meaningful backtest.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidRuleset means the ruleset failed structural validation.
	ErrInvalidRuleset = errors.New("invalid ruleset")
	// ErrDuplicate means a fingerprint collision with an active strategy.
	ErrDuplicate = errors.New("duplicate strategy")
	// ErrSanityFailed means the admission backtest failed its lenient gates.
	ErrSanityFailed = errors.New("sanity backtest failed")
	// ErrConflict means an optimistic update lost a compare-and-swap race.
	ErrConflict = errors.New("update conflict")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// SignalError is returned by the signal gateway with a machine-readable
// reason the caller can surface directly.
type SignalError struct {
	Reason string // "not_eligible", "low_confidence", "unavailable"
	Detail string
	// RetryHint is set when the failure is transient and retrying may help.
	RetryHint bool
}

func (e *SignalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("signal request failed: %s", e.Reason)
	}
	return fmt.Sprintf("signal request failed: %s (%s)", e.Reason, e.Detail)
}

// NotEligible builds a SignalError for strategies that fail the gates.
func NotEligible(detail string) *SignalError {
	return &SignalError{Reason: "not_eligible", Detail: detail}
}

// LowConfidence builds a SignalError for adjusted confidence below threshold.
func LowConfidence(detail string) *SignalError {
	return &SignalError{Reason: "low_confidence", Detail: detail}
}

// IsNotEligible reports whether err is a not_eligible signal failure.
func IsNotEligible(err error) bool {
	var se *SignalError
	return errors.As(err, &se) && se.Reason == "not_eligible"
}

// IsLowConfidence reports whether err is a low_confidence signal failure.
func IsLowConfidence(err error) bool {
	var se *SignalError
	return errors.As(err, &se) && se.Reason == "low_confidence"
}
