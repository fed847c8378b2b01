// Package server implements the agent-check TCP listener and the
// per-connection session loop.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

// Server accepts HAProxy connections and runs one independent session per
// connection. Sessions share nothing but the health checker (and through it
// the channel cache).
type Server struct {
	addr    string
	budget  time.Duration
	checker domain.HealthChecker
	logger  *logger.Logger
	metrics domain.Metrics

	listener net.Listener
	// One shared limiter for protocol-violation warnings across sessions.
	violations *rate.Limiter

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	closing  atomic.Bool
}

// New creates a server. budget is the per-request response deadline applied
// around each check; it mirrors HAProxy's agent-check response window.
func New(addr string, budget time.Duration, checker domain.HealthChecker, log *logger.Logger, m domain.Metrics) *Server {
	return &Server{
		addr:       addr,
		budget:     budget,
		checker:    checker,
		logger:     log.ComponentLogger("server"),
		metrics:    m,
		violations: rate.NewLimiter(rate.Every(time.Second), 5),
		sessions:   make(map[*Session]struct{}),
	}
}

// Listen binds the listener. A bind failure (address in use, permission) is
// fatal for the process and is returned to the caller.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.WithField("address", listener.Addr().String()).Info("Agent protocol server listening")
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown closes the listener. A single
// failed accept is logged and skipped, never fatal.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			s.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		sess := newSession(conn, s.checker, s.budget, s.violations, s.logger, s.metrics)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, sess)
				s.mu.Unlock()
			}()
			sess.Run(ctx)
		}()
	}
}

// Shutdown stops accepting, lets every session finish its in-flight
// request/response cycle and waits for them up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.beginShutdown()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All sessions drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown grace period expired with sessions still open")
		return ctx.Err()
	}
}
