package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/errors"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/protocol"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

// sessionState is the explicit connection state. Modeling it as a tagged
// value keeps the "never unilaterally close a healthy connection" invariant
// visible: the only writers of stateClosed are peer close, socket failure
// and process shutdown.
type sessionState int

const (
	stateConnected sessionState = iota
	stateReadingLine
	stateChecking
	stateWritingResponse
	stateClosed
)

// String returns the state name for logging
func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateReadingLine:
		return "reading_line"
	case stateChecking:
		return "checking"
	case stateWritingResponse:
		return "writing_response"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one accepted HAProxy connection for its whole lifetime.
// The connection is persistent: HAProxy keeps it open across polls, and the
// session loops read-check-write until the peer goes away.
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	checker    domain.HealthChecker
	budget     time.Duration
	violations *rate.Limiter
	logger     *logger.Logger
	metrics    domain.Metrics

	state    sessionState
	served   uint64
	draining atomic.Bool
}

func newSession(conn net.Conn, checker domain.HealthChecker, budget time.Duration, violations *rate.Limiter, log *logger.Logger, m domain.Metrics) *Session {
	return &Session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		checker:    checker,
		budget:     budget,
		violations: violations,
		logger:     log.SessionLogger(conn.RemoteAddr().String()),
		metrics:    m,
		state:      stateConnected,
	}
}

// beginShutdown asks the session to finish its current request/response
// cycle and close. An idle blocking read is cancelled by expiring the read
// deadline; writes stay usable so an in-flight response still goes out.
func (s *Session) beginShutdown() {
	s.draining.Store(true)
	s.conn.SetReadDeadline(time.Now())
}

// Run drives the session state machine until the connection closes
func (s *Session) Run(ctx context.Context) {
	s.metrics.ConnectionOpened()
	s.logger.Info("Connection established")

	defer func() {
		s.conn.Close()
		s.metrics.ConnectionClosed()
		s.logger.WithField("requests_served", s.served).Info("Connection closed")
	}()

	var (
		line    string
		verdict domain.Verdict
	)

	for s.state != stateClosed {
		switch s.state {
		case stateConnected:
			s.state = stateReadingLine

		case stateReadingLine:
			var err error
			line, err = s.reader.ReadString('\n')
			if err != nil {
				s.closeOnReadError(line, err)
				continue
			}
			s.state = stateChecking

		case stateChecking:
			verdict = s.handleLine(ctx, line)
			s.state = stateWritingResponse

		case stateWritingResponse:
			if _, err := s.conn.Write([]byte(protocol.EncodeVerdict(verdict))); err != nil {
				s.logger.WithError(err).Warn("Failed to write response")
				s.state = stateClosed
				continue
			}
			s.served++
			if s.draining.Load() {
				s.logger.Debug("Shutdown in progress, not reading further requests")
				s.state = stateClosed
			} else {
				s.state = stateReadingLine
			}
		}
	}
}

// closeOnReadError classifies the read failure and transitions to Closed
func (s *Session) closeOnReadError(partial string, err error) {
	s.state = stateClosed

	switch {
	case err == io.EOF && partial == "":
		s.logger.Debug("Peer closed the connection")
	case s.draining.Load():
		s.logger.Debug("Idle read cancelled by shutdown")
	default:
		s.logger.WithError(err).Warn("Read failed, closing connection")
	}
}

// handleLine turns one request line into a verdict. A malformed line is not
// a session failure: it answers down and the connection stays open.
func (s *Session) handleLine(ctx context.Context, line string) domain.Verdict {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		s.metrics.IncrementError(errors.CategoryOf(err))
		s.metrics.ObserveCheck(domain.VerdictDown, 0)
		// Rate-limited: a misconfigured HAProxy repeats the same bad line
		// at poll frequency.
		if s.violations.Allow() {
			s.logger.WithError(err).
				WithField("input", strings.TrimRight(line, "\r\n")).
				Warn("Protocol violation")
		}
		return domain.VerdictDown
	}

	s.logger.WithField("backend", domain.KeyFor(req).String()).
		WithField("authority", req.AuthorityHost).
		Debug("Request decoded")

	checkCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()
	return s.checker.Check(checkCtx, req)
}
