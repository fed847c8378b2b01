package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/checker"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

const (
	testConnectTimeout = 500 * time.Millisecond
	testRPCTimeout     = time.Second
	testBudget         = 2 * time.Second
)

// startHealthBackend runs an in-process gRPC health backend
func startHealthBackend(t *testing.T) (int, *health.Server) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthSrv := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().(*net.TCPAddr).Port, healthSrv
}

// closedPort returns a loopback port with no listener behind it
func closedPort(t *testing.T) int {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

// startAgent boots the full pipeline (listener, sessions, checker, cache)
// on an ephemeral port and returns the agent address plus the cache handle.
func startAgent(t *testing.T) (string, checker.ChannelCache) {
	t.Helper()

	log := logger.NewNop()
	cache := checker.NewChannelCache(testConnectTimeout, log, domain.NopMetrics{})
	t.Cleanup(cache.Close)
	hc := checker.NewHealthChecker(cache, testRPCTimeout, log, domain.NopMetrics{})

	srv := New("127.0.0.1:0", testBudget, hc, log, domain.NopMetrics{})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		cancel()
	})

	return srv.Addr().String(), cache
}

// dialAgent opens a client connection to the agent
func dialAgent(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) string {
	t.Helper()

	_, err := conn.Write([]byte(line))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	response, err := reader.ReadString('\n')
	require.NoError(t, err)
	return response
}

// TestServingBackendAnswersUp tests the happy path end to end
func TestServingBackendAnswersUp(t *testing.T) {
	t.Parallel()

	port, _ := startHealthBackend(t)
	addr, _ := startAgent(t)
	conn, reader := dialAgent(t, addr)

	response := roundTrip(t, conn, reader, fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port))
	assert.Equal(t, "up\n", response)
}

// TestNotServingBackendAnswersDown tests the negative status mapping
func TestNotServingBackendAnswersDown(t *testing.T) {
	t.Parallel()

	port, healthSrv := startHealthBackend(t)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	addr, _ := startAgent(t)
	conn, reader := dialAgent(t, addr)

	response := roundTrip(t, conn, reader, fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port))
	assert.Equal(t, "down\n", response)
}

// TestUnreachableBackendAnswersDownWithinBudget tests the fail-safe path
func TestUnreachableBackendAnswersDownWithinBudget(t *testing.T) {
	t.Parallel()

	port := closedPort(t)
	addr, _ := startAgent(t)
	conn, reader := dialAgent(t, addr)

	start := time.Now()
	response := roundTrip(t, conn, reader, fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port))
	elapsed := time.Since(start)

	assert.Equal(t, "down\n", response)
	assert.Less(t, elapsed, testBudget+time.Second)
}

// TestMalformedRequestKeepsConnectionOpen tests that a protocol violation
// answers down without dropping the session
func TestMalformedRequestKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	port, _ := startHealthBackend(t)
	addr, _ := startAgent(t)
	conn, reader := dialAgent(t, addr)

	// Two fields only: malformed, but the session must survive it.
	assert.Equal(t, "down\n", roundTrip(t, conn, reader, "host1 50051\n"))

	// The very same connection still serves well-formed requests.
	response := roundTrip(t, conn, reader, fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port))
	assert.Equal(t, "up\n", response)
}

// TestMalformedVariantsAllAnswerDown tests a batch of bad lines on one
// persistent connection
func TestMalformedVariantsAllAnswerDown(t *testing.T) {
	t.Parallel()

	addr, _ := startAgent(t)
	conn, reader := dialAgent(t, addr)

	lines := []string{
		"\n",
		"host1\n",
		"host1 50051 no-ssl host1 extra\n",
		"host1 notaport no-ssl host1\n",
		"host1 0 no-ssl host1\n",
		"host1 50051 SSL host1\n",
	}
	for _, line := range lines {
		assert.Equal(t, "down\n", roundTrip(t, conn, reader, line), "input %q", line)
	}
}

// TestSequentialRequestsToDifferentBackends tests in-order responses on one
// connection and transport reuse per backend
func TestSequentialRequestsToDifferentBackends(t *testing.T) {
	t.Parallel()

	portA, _ := startHealthBackend(t)
	portB, healthB := startHealthBackend(t)
	healthB.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	addr, cache := startAgent(t)
	conn, reader := dialAgent(t, addr)

	lineA := fmt.Sprintf("127.0.0.1 %d no-ssl host-a\n", portA)
	lineB := fmt.Sprintf("127.0.0.1 %d no-ssl host-b\n", portB)

	// Strict request order on one connection, one verdict each.
	assert.Equal(t, "up\n", roundTrip(t, conn, reader, lineA))
	assert.Equal(t, "down\n", roundTrip(t, conn, reader, lineB))
	assert.Equal(t, "up\n", roundTrip(t, conn, reader, lineA))
	assert.Equal(t, "down\n", roundTrip(t, conn, reader, lineB))

	// Each backend's transport was created once and then reused.
	assert.Equal(t, 2, cache.Len())
}

// TestConcurrentConnections tests independent parallel sessions
func TestConcurrentConnections(t *testing.T) {
	t.Parallel()

	port, _ := startHealthBackend(t)
	addr, cache := startAgent(t)

	const clients = 8
	results := make(chan string, clients)
	line := fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port)

	for i := 0; i < clients; i++ {
		go func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				results <- err.Error()
				return
			}
			defer conn.Close()
			if _, err := conn.Write([]byte(line)); err != nil {
				results <- err.Error()
				return
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			response, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				results <- err.Error()
				return
			}
			results <- response
		}()
	}

	for i := 0; i < clients; i++ {
		assert.Equal(t, "up\n", <-results)
	}
	// All sessions funneled into one cached channel.
	assert.Equal(t, 1, cache.Len())
}

// TestPeerCloseEndsSession tests clean EOF handling
func TestPeerCloseEndsSession(t *testing.T) {
	t.Parallel()

	port, _ := startHealthBackend(t)
	addr, _ := startAgent(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	assert.Equal(t, "up\n", roundTrip(t, conn, reader, fmt.Sprintf("127.0.0.1 %d no-ssl host1\n", port)))
	require.NoError(t, conn.Close())
	// Nothing to assert beyond the absence of a panic or hang: the session
	// goroutine exits on EOF, which the shutdown in startAgent's cleanup
	// verifies by draining promptly.
}

// TestShutdownCancelsIdleSessions tests that shutdown unblocks sessions
// parked in an idle read and drains within the grace period
func TestShutdownCancelsIdleSessions(t *testing.T) {
	t.Parallel()

	log := logger.NewNop()
	cache := checker.NewChannelCache(testConnectTimeout, log, domain.NopMetrics{})
	defer cache.Close()
	hc := checker.NewHealthChecker(cache, testRPCTimeout, log, domain.NopMetrics{})

	srv := New("127.0.0.1:0", testBudget, hc, log, domain.NopMetrics{})
	require.NoError(t, srv.Listen())
	go srv.Serve(context.Background())

	// Park an idle connection: no request in flight.
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the session reach its read

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	// The server side closed the connection: our read sees EOF.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)
}

// TestBindFailureIsFatal tests that a second listener on the same address
// fails at Listen time
func TestBindFailureIsFatal(t *testing.T) {
	t.Parallel()

	log := logger.NewNop()
	cache := checker.NewChannelCache(testConnectTimeout, log, domain.NopMetrics{})
	defer cache.Close()
	hc := checker.NewHealthChecker(cache, testRPCTimeout, log, domain.NopMetrics{})

	first := New("127.0.0.1:0", testBudget, hc, log, domain.NopMetrics{})
	require.NoError(t, first.Listen())
	defer first.listener.Close()

	second := New(first.Addr().String(), testBudget, hc, log, domain.NopMetrics{})
	assert.Error(t, second.Listen())
}
