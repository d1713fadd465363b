// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"time"
)

// Strategy is one transport family's establishment logic. Detect is a
// cheap, repeatable probe; Connect performs the full handshake and
// returns an authenticated Transport.
type Strategy interface {
	// Name is the stable strategy identifier used in progress events
	// and attempt records.
	Name() string

	// Priority orders strategies; lower is tried first.
	Priority() int

	// Detect probes whether this family can plausibly work for the
	// given context. It must stay cheap — a short bounded probe at
	// most — and safe to call repeatedly.
	Detect(ctx context.Context, connCtx ConnectionContext) Detection

	// Connect performs the transport-specific handshake and
	// authentication. Errors never escape the strategy boundary
	// untyped: they unwrap to *StrategyError so the orchestrator can
	// read retryability.
	Connect(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) (Transport, error)
}

// Detection is the outcome of a strategy probe.
type Detection struct {
	Available bool

	// Info optionally describes what was found (an endpoint, an
	// address) when Available.
	Info string

	// Reason explains unavailability when !Available.
	Reason string
}

// Available returns a positive Detection with optional info.
func Available(info string) Detection {
	return Detection{Available: true, Info: info}
}

// Unavailable returns a negative Detection with the given reason.
func Unavailable(reason string) Detection {
	return Detection{Reason: reason}
}

// StrategyError classifies a Connect failure. Retryable=false tells
// the orchestrator to stop retrying this strategy and fall through to
// the next one; it does not abort the overall attempt.
type StrategyError struct {
	Strategy  string
	Retryable bool
	Err       error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// retryableError wraps err as a retryable strategy failure.
func retryableError(strategy string, err error) *StrategyError {
	return &StrategyError{Strategy: strategy, Retryable: true, Err: err}
}

// permanentError wraps err as a non-retryable strategy failure.
func permanentError(strategy string, err error) *StrategyError {
	return &StrategyError{Strategy: strategy, Retryable: false, Err: err}
}

// Stage is a connection progress milestone.
type Stage int

const (
	// StageDetecting precedes a strategy's Detect call.
	StageDetecting Stage = iota

	// StageStrategyAvailable and StageStrategyUnavailable report the
	// Detect outcome.
	StageStrategyAvailable
	StageStrategyUnavailable

	// StageCapabilityExchangeFailed reports that the best-effort
	// signaling capability exchange failed; the attempt continues on
	// cached hints.
	StageCapabilityExchangeFailed

	// StageConnecting, StageAuthenticating, and StageAuthenticated are
	// emitted by a strategy during its handshake, always in that
	// order.
	StageConnecting
	StageAuthenticating
	StageAuthenticated

	// StageConnected reports overall success: Strategy names the
	// winner, Elapsed is the time since Connect was called.
	StageConnected

	// StageStrategyFailed reports one strategy's failure; WillTryNext
	// is true while lower-priority strategies remain.
	StageStrategyFailed

	// StageAllFailed reports definitive failure with the full attempt
	// list.
	StageAllFailed
)

// String returns the stable lowercase stage label.
func (s Stage) String() string {
	switch s {
	case StageDetecting:
		return "detecting"
	case StageStrategyAvailable:
		return "strategy_available"
	case StageStrategyUnavailable:
		return "strategy_unavailable"
	case StageCapabilityExchangeFailed:
		return "capability_exchange_failed"
	case StageConnecting:
		return "connecting"
	case StageAuthenticating:
		return "authenticating"
	case StageAuthenticated:
		return "authenticated"
	case StageConnected:
		return "connected"
	case StageStrategyFailed:
		return "strategy_failed"
	case StageAllFailed:
		return "all_failed"
	}
	return "unknown"
}

// Progress is one observable connection milestone. Purely
// informational: the orchestrator never blocks on or retries emission.
type Progress struct {
	Stage    Stage
	Strategy string

	// Info carries detection details for StageStrategyAvailable.
	Info string

	// Err carries the failure description for unavailable/failed
	// stages.
	Err string

	// WillTryNext is set on StageStrategyFailed while strategies
	// remain.
	WillTryNext bool

	// Elapsed is set on StageConnected.
	Elapsed time.Duration

	// Attempts is set on StageAllFailed.
	Attempts []Attempt
}

// ProgressFunc receives progress events. A nil ProgressFunc discards
// them.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// Attempt records one strategy's outcome for the final failure report.
type Attempt struct {
	Strategy string
	Err      string
}

// AllFailedError is the definitive failure returned when every
// strategy was exhausted. It is a normal outcome, reported once with
// the per-strategy error strings.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	s := "all connection strategies failed:"
	for _, a := range e.Attempts {
		s += fmt.Sprintf(" [%s: %s]", a.Strategy, a.Err)
	}
	return s
}
