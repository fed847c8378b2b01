// Package checker performs bounded gRPC health checks against backends,
// reusing transport channels through the ChannelCache.
package checker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/errors"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

// HealthChecker implements domain.HealthChecker with the standard
// grpc.health.v1 Check RPC. Channel establishment is bounded by the cache's
// connect timeout and the RPC by rpcTimeout; configuration validation
// guarantees the two sub-deadlines fit inside the caller's overall budget.
type HealthChecker struct {
	cache      ChannelCache
	rpcTimeout time.Duration
	logger     *logger.Logger
	metrics    domain.Metrics
}

// NewHealthChecker creates a new checker on top of the given channel cache
func NewHealthChecker(cache ChannelCache, rpcTimeout time.Duration, log *logger.Logger, m domain.Metrics) *HealthChecker {
	return &HealthChecker{
		cache:      cache,
		rpcTimeout: rpcTimeout,
		logger:     log.ComponentLogger("checker"),
		metrics:    m,
	}
}

// Check resolves one request to a verdict. This is the fail-safe boundary:
// every failure inside the checking path is reported to the sinks and
// collapsed to VerdictDown, never returned as an error.
func (hc *HealthChecker) Check(ctx context.Context, req domain.CheckRequest) domain.Verdict {
	key := domain.KeyFor(req)
	log := hc.logger.BackendLogger(key.String())

	start := time.Now()
	verdict, err := hc.check(ctx, req, key)
	duration := time.Since(start)

	if err != nil {
		verdict = domain.VerdictDown
		hc.metrics.IncrementError(errors.CategoryOf(err))
		log.WithError(err).
			WithField("code", string(errors.CodeOf(err))).
			WithField("duration_ms", duration.Milliseconds()).
			Warn("Health check failed")
	}

	hc.metrics.ObserveCheck(verdict, duration)
	log.WithField("verdict", verdict.String()).
		WithField("duration_ms", duration.Milliseconds()).
		Debug("Health check completed")
	return verdict
}

func (hc *HealthChecker) check(ctx context.Context, req domain.CheckRequest, key domain.ChannelKey) (domain.Verdict, error) {
	conn, err := hc.cache.GetOrCreate(ctx, key)
	if err != nil {
		return domain.VerdictDown, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, hc.rpcTimeout)
	defer cancel()

	// An empty service name asks for the overall server status. The
	// authority rides on the call, not on the cached channel.
	resp, err := healthpb.NewHealthClient(conn).Check(
		rpcCtx,
		&healthpb.HealthCheckRequest{Service: ""},
		grpc.CallAuthority(req.AuthorityHost),
	)
	if err != nil {
		if isTransportFailure(err) {
			// Drop the broken channel so the next check redials.
			hc.cache.Invalidate(key)
		}
		if isDeadline(err, rpcCtx) {
			return domain.VerdictDown, errors.NewCheckTimeoutError(key.Addr(), "rpc", hc.rpcTimeout)
		}
		return domain.VerdictDown, errors.NewRemoteCheckFailedError(key.Addr(), err)
	}

	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return domain.VerdictUp, nil
	}
	return domain.VerdictDown, errors.NewRemoteCheckFailedError(
		key.Addr(),
		fmt.Errorf("backend reported status %s", resp.GetStatus()),
	)
}

// isTransportFailure reports whether the RPC error indicates a broken
// channel rather than a backend answering badly.
func isTransportFailure(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// isDeadline reports whether the RPC failed because the sub-deadline ran out
func isDeadline(err error, ctx context.Context) bool {
	if status.Code(err) == codes.DeadlineExceeded {
		return true
	}
	return ctx.Err() == context.DeadlineExceeded
}
