// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"

	"github.com/rastsh/rast-go/lib/clock"
)

// maxStrategyAttempts caps how often one strategy is retried within a
// single Connect call while its failures stay retryable. Non-retryable
// failures fall through to the next strategy immediately.
const maxStrategyAttempts = 2

// Orchestrator owns the ordered strategy set and runs one connection
// attempt at a time: strategies strictly sequential in ascending
// priority, first success wins.
type Orchestrator struct {
	strategies []Strategy
	hints      HintStore
	logger     *slog.Logger
	clock      clock.Clock
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithHintStore enables opportunistic mesh-endpoint caching after a
// successful WebRTC connection.
func WithHintStore(hints HintStore) OrchestratorOption {
	return func(o *Orchestrator) { o.hints = hints }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock injects the time source (tests use clock.Fake).
func WithClock(c clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator creates an orchestrator over the given strategies.
// The slice is copied and sorted ascending by priority.
func NewOrchestrator(strategies []Strategy, opts ...OrchestratorOption) *Orchestrator {
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	o := &Orchestrator{
		strategies: ordered,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect runs one full connection attempt. It performs a best-effort
// capability exchange, then tries each strategy in priority order,
// returning the first Transport that completes its handshake. When
// every strategy is exhausted it returns *AllFailedError — a
// definitive, reportable outcome, not a panic-worthy condition.
// Cancelling ctx propagates into whichever strategy is running; the
// per-strategy cleanup contract guarantees no partially constructed
// transport leaks.
func (o *Orchestrator) Connect(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) (Transport, error) {
	start := o.clock.Now()

	connCtx = o.exchangeCapabilities(ctx, connCtx, progress)

	var attempts []Attempt
	for index, strategy := range o.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		progress.emit(Progress{Stage: StageDetecting, Strategy: strategy.Name()})
		detection := strategy.Detect(ctx, connCtx)
		if !detection.Available {
			progress.emit(Progress{
				Stage:    StageStrategyUnavailable,
				Strategy: strategy.Name(),
				Err:      detection.Reason,
			})
			attempts = append(attempts, Attempt{Strategy: strategy.Name(), Err: detection.Reason})
			continue
		}
		progress.emit(Progress{
			Stage:    StageStrategyAvailable,
			Strategy: strategy.Name(),
			Info:     detection.Info,
		})

		transport, err := o.connectWithRetry(ctx, strategy, connCtx, progress)
		if err == nil {
			elapsed := o.clock.Now().Sub(start)
			progress.emit(Progress{
				Stage:    StageConnected,
				Strategy: strategy.Name(),
				Elapsed:  elapsed,
			})
			o.logger.Info("connected",
				"strategy", strategy.Name(),
				"elapsed", elapsed,
			)
			o.cacheMeshEndpoint(transport, connCtx)
			return transport, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempts = append(attempts, Attempt{Strategy: strategy.Name(), Err: err.Error()})
		progress.emit(Progress{
			Stage:       StageStrategyFailed,
			Strategy:    strategy.Name(),
			Err:         err.Error(),
			WillTryNext: index < len(o.strategies)-1,
		})
		o.logger.Warn("strategy failed",
			"strategy", strategy.Name(),
			"error", err,
			"will_try_next", index < len(o.strategies)-1,
		)
	}

	progress.emit(Progress{Stage: StageAllFailed, Attempts: attempts})
	return nil, &AllFailedError{Attempts: attempts}
}

// connectWithRetry calls the strategy's Connect, retrying only while
// the failure is marked retryable and the attempt budget lasts.
func (o *Orchestrator) connectWithRetry(ctx context.Context, strategy Strategy, connCtx ConnectionContext, progress ProgressFunc) (Transport, error) {
	var lastErr error
	for attempt := 0; attempt < maxStrategyAttempts; attempt++ {
		transport, err := strategy.Connect(ctx, connCtx, progress)
		if err == nil {
			return transport, nil
		}
		lastErr = err

		var strategyErr *StrategyError
		if !errors.As(err, &strategyErr) || !strategyErr.Retryable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// exchangeCapabilities runs the best-effort signaling exchange and
// enriches the context with the daemon's advertised mesh endpoint.
// Failure is an optimization miss, not an error: the attempt continues
// on whatever cached hints the context already carries.
func (o *Orchestrator) exchangeCapabilities(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) ConnectionContext {
	if connCtx.Signaler == nil {
		return connCtx
	}
	caps, err := connCtx.Signaler.ExchangeCapabilities(ctx, connCtx)
	if err != nil {
		progress.emit(Progress{Stage: StageCapabilityExchangeFailed, Err: err.Error()})
		o.logger.Warn("capability exchange failed, continuing with cached hints", "error", err)
		return connCtx
	}
	if caps.MeshAddr.IsValid() {
		connCtx = connCtx.WithMeshEndpoint(caps.MeshAddr, caps.MeshPort)
	}
	return connCtx
}

// cacheMeshEndpoint persists the daemon's mesh address for the next
// attempt when the winning transport negotiated a path whose remote
// candidate sits in the mesh range. Always the fixed daemon listening
// port, never the ephemeral negotiated port. Strictly best-effort: any
// failure here is logged and never rolls back the successful
// connection.
func (o *Orchestrator) cacheMeshEndpoint(transport Transport, connCtx ConnectionContext) {
	if o.hints == nil || !connCtx.OnMeshVPN {
		return
	}
	reporter, ok := transport.(PathReporter)
	if !ok {
		return
	}
	remote := reporter.Path().Remote.Addr
	if !InMeshRange(remote) {
		return
	}
	if err := o.hints.SaveMeshEndpoint(remote, DefaultMeshPort); err != nil {
		o.logger.Warn("caching mesh endpoint failed", "addr", remote, "error", err)
		return
	}
	o.logger.Info("cached mesh endpoint for future direct connects", "addr", remote)
}
