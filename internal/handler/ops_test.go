package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

func TestOpsEndpoints(t *testing.T) {
	t.Parallel()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	ops := NewOpsServer("127.0.0.1:0", "/metrics", metricsHandler, "test", logger.NewNop())

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "Liveness", path: "/healthz", want: "alive"},
		{name: "Readiness", path: "/readyz", want: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ops.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["status"])
			assert.Equal(t, "test", body["version"])
		})
	}

	t.Run("Metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ops.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "# metrics")
	})

	t.Run("Unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ops.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
