package domain

import (
	"context"
	"time"
)

// HealthChecker resolves a CheckRequest to a Verdict. Implementations must
// honor the fail-safe contract: every failure mode terminates in a Verdict
// (in practice VerdictDown), never in an error surfaced to the caller.
type HealthChecker interface {
	Check(ctx context.Context, req CheckRequest) Verdict
}

// ErrorCategory classifies check failures for metrics reporting.
type ErrorCategory string

const (
	ErrorCategoryMalformed   ErrorCategory = "malformed"
	ErrorCategoryUnreachable ErrorCategory = "unreachable"
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryRemote      ErrorCategory = "remote"
	ErrorCategoryInternal    ErrorCategory = "internal"
)

// Metrics is the passive metrics sink consumed by the core components.
// Implementations must be safe for concurrent use and must never block or
// fail a request; they are fire-and-forget by contract.
type Metrics interface {
	// ObserveCheck records one completed check with its verdict and duration.
	ObserveCheck(verdict Verdict, duration time.Duration)
	// IncrementError counts one failed check by failure category.
	IncrementError(category ErrorCategory)
	// ConnectionOpened and ConnectionClosed maintain the active-connections gauge.
	ConnectionOpened()
	ConnectionClosed()
	// SetActiveChannels updates the cached-channel gauge.
	SetActiveChannels(n int)
}

// NopMetrics is a Metrics implementation that discards everything.
// It keeps test wiring small and guards optional metric injection.
type NopMetrics struct{}

func (NopMetrics) ObserveCheck(Verdict, time.Duration) {}
func (NopMetrics) IncrementError(ErrorCategory)        {}
func (NopMetrics) ConnectionOpened()                   {}
func (NopMetrics) ConnectionClosed()                   {}
func (NopMetrics) SetActiveChannels(int)               {}
