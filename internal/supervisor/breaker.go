// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/metrics"
	"github.com/shepherd-dev/shepherd/internal/source"
)

// BreakerFetcher wraps a HeadFetcher with a circuit breaker. A remote that
// keeps timing out would otherwise cost a full fetch timeout every poll
// cycle; once the circuit opens, cycles fail fast until the cool-down
// elapses.
//
// The breaker uses real time for its recovery timeout. Tests exercise the
// wrapped fetcher directly rather than mocking the breaker.
type BreakerFetcher struct {
	inner source.HeadFetcher
	cb    *gobreaker.CircuitBreaker[source.Revision]
	name  string
}

// NewBreakerFetcher wraps inner with a breaker that opens after five
// consecutive fetch failures and probes again after two minutes.
func NewBreakerFetcher(inner source.HeadFetcher) *BreakerFetcher {
	name := "remote-head"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // closed

	cb := gobreaker.NewCircuitBreaker[source.Revision](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // the control loop is serial; one probe suffices
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).
				Str("from", stateToString(from)).Str("to", stateToString(to)).
				Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})

	return &BreakerFetcher{inner: inner, cb: cb, name: name}
}

// FetchHeadRevision resolves the remote head through the breaker. A rejected
// call (open circuit) surfaces as ErrFetchUnreachable so the control loop
// treats it like any other transient fetch failure.
func (b *BreakerFetcher) FetchHeadRevision(ctx context.Context, branch string) (source.Revision, error) {
	rev, err := b.cb.Execute(func() (source.Revision, error) {
		return b.inner.FetchHeadRevision(ctx, branch)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open, skipping fetch", source.ErrFetchUnreachable)
		}
		return "", err
	}
	return rev, nil
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}
