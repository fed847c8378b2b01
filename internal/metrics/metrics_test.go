package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
)

// TestMetricsExposition tests that recorded values show up on the handler
func TestMetricsExposition(t *testing.T) {
	t.Parallel()

	m := New()

	m.ObserveCheck(domain.VerdictUp, 12*time.Millisecond)
	m.ObserveCheck(domain.VerdictUp, 15*time.Millisecond)
	m.ObserveCheck(domain.VerdictDown, 600*time.Millisecond)
	m.IncrementError(domain.ErrorCategoryUnreachable)
	m.IncrementError(domain.ErrorCategoryTimeout)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetActiveChannels(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `agent_checks_total{verdict="up"} 2`)
	assert.Contains(t, body, `agent_checks_total{verdict="down"} 1`)
	assert.Contains(t, body, `agent_check_errors_total{category="unreachable"} 1`)
	assert.Contains(t, body, `agent_check_errors_total{category="timeout"} 1`)
	assert.Contains(t, body, `agent_active_connections 1`)
	assert.Contains(t, body, `agent_active_channels 3`)
	assert.Contains(t, body, `agent_check_duration_seconds_count{verdict="up"} 2`)
}

// TestMetricsImplementsDomainInterface pins the sink to the interface the
// core consumes
func TestMetricsImplementsDomainInterface(t *testing.T) {
	t.Parallel()

	var _ domain.Metrics = New()
	var _ domain.Metrics = domain.NopMetrics{}
}
