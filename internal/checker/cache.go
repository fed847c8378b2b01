package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/errors"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

// ChannelCache stores reusable backend gRPC channels keyed by transport
// identity. Implementations must guarantee at most one in-flight channel
// creation per key: concurrent misses for the same key all await the single
// creation and share its outcome. A failed creation is broadcast to every
// waiter and leaves the key absent so the next lookup retries.
//
// The base implementation never evicts; swapping in a bounded policy only
// requires another implementation of this interface.
type ChannelCache interface {
	// GetOrCreate returns the cached channel for the key, creating and
	// inserting it on miss. Creation is bounded by the configured connect
	// timeout; a creation failure is returned without inserting.
	GetOrCreate(ctx context.Context, key domain.ChannelKey) (*grpc.ClientConn, error)
	// Invalidate removes a channel discovered to be broken so the next
	// lookup recreates it.
	Invalidate(key domain.ChannelKey)
	// Len reports the number of cached channels.
	Len() int
	// Close tears down every cached channel.
	Close()
}

// dialFunc opens one channel to the key's endpoint. Swapped out in tests.
type dialFunc func(ctx context.Context, key domain.ChannelKey) (*grpc.ClientConn, error)

type channelCache struct {
	connectTimeout time.Duration
	dial           dialFunc
	logger         *logger.Logger
	metrics        domain.Metrics

	mu      sync.RWMutex
	entries map[domain.ChannelKey]*grpc.ClientConn
	group   singleflight.Group
}

// NewChannelCache creates the unbounded channel cache. connectTimeout bounds
// every channel establishment attempt.
func NewChannelCache(connectTimeout time.Duration, log *logger.Logger, m domain.Metrics) ChannelCache {
	c := &channelCache{
		connectTimeout: connectTimeout,
		logger:         log.ComponentLogger("channel_cache"),
		metrics:        m,
		entries:        make(map[domain.ChannelKey]*grpc.ClientConn),
	}
	c.dial = c.dialBackend
	return c
}

// newChannelCacheWithDial is the test seam: identical to NewChannelCache but
// with an injected dial function.
func newChannelCacheWithDial(connectTimeout time.Duration, dial dialFunc, log *logger.Logger, m domain.Metrics) *channelCache {
	c := &channelCache{
		connectTimeout: connectTimeout,
		dial:           dial,
		logger:         log.ComponentLogger("channel_cache"),
		metrics:        m,
		entries:        make(map[domain.ChannelKey]*grpc.ClientConn),
	}
	return c
}

// GetOrCreate implements ChannelCache. The fast path is a shared read lock;
// misses collapse into one singleflight creation per key.
func (c *channelCache) GetOrCreate(ctx context.Context, key domain.ChannelKey) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// A previous flight may have inserted the entry between our miss
		// and this callback running.
		c.mu.RLock()
		conn, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return conn, nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()

		start := time.Now()
		conn, dialErr := c.dial(dialCtx, key)
		if dialErr != nil {
			// The key stays absent: the next request retries creation.
			return nil, dialErr
		}

		c.mu.Lock()
		c.entries[key] = conn
		size := len(c.entries)
		c.mu.Unlock()

		c.metrics.SetActiveChannels(size)
		c.logger.BackendLogger(key.String()).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			WithField("cached_channels", size).
			Info("Backend channel created")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*grpc.ClientConn), nil
}

// Invalidate implements ChannelCache
func (c *channelCache) Invalidate(key domain.ChannelKey) {
	c.mu.Lock()
	conn, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	c.metrics.SetActiveChannels(size)
	c.logger.BackendLogger(key.String()).
		WithField("cached_channels", size).
		Warn("Backend channel invalidated")
}

// Len implements ChannelCache
func (c *channelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close implements ChannelCache
func (c *channelCache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[domain.ChannelKey]*grpc.ClientConn)
	c.mu.Unlock()

	for _, conn := range entries {
		conn.Close()
	}
	c.metrics.SetActiveChannels(0)
}

// dialBackend opens a channel to the key's endpoint and waits for it to
// become ready within ctx. TLS verification is pinned to the backend host:
// the per-request authority never influences the negotiated peer identity.
func (c *channelCache) dialBackend(ctx context.Context, key domain.ChannelKey) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if key.Secure {
		creds = credentials.NewTLS(&tls.Config{
			ServerName: key.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(key.Addr(), grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, errors.NewBackendUnreachableError(key.Addr(), err)
	}

	conn.Connect()
	for {
		switch state := conn.GetState(); state {
		case connectivity.Ready:
			return conn, nil
		case connectivity.TransientFailure:
			conn.Close()
			return nil, errors.NewBackendUnreachableError(
				key.Addr(),
				fmt.Errorf("transport entered state %s", state),
			)
		default:
			if !conn.WaitForStateChange(ctx, state) {
				conn.Close()
				return nil, errors.NewCheckTimeoutError(key.Addr(), "connect", c.connectTimeout)
			}
		}
	}
}
