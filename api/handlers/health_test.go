package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubCheck 可注入失败的健康检查
type stubCheck struct {
	name string
	err  error
}

func (c *stubCheck) Name() string                    { return c.name }
func (c *stubCheck) Check(ctx context.Context) error { return c.err }

func decodeHealthStatus(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_Liveness(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if path == "/health" {
			handler.HandleHealth(w, r)
		} else {
			handler.HandleHealthz(w, r)
		}

		assert.Equal(t, http.StatusOK, w.Code, path)
		status := decodeHealthStatus(t, w)
		assert.Equal(t, "healthy", status.Status, path)
		assert.False(t, status.Timestamp.IsZero(), path)
	}
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name     string
		checks   []HealthCheck
		wantCode int
		verify   func(t *testing.T, status HealthStatus)
	}{
		{
			name:     "no registered checks",
			wantCode: http.StatusOK,
			verify: func(t *testing.T, status HealthStatus) {
				assert.Equal(t, "healthy", status.Status)
			},
		},
		{
			name: "database and cache both pass",
			checks: []HealthCheck{
				&stubCheck{name: "database"},
				&stubCheck{name: "redis"},
			},
			wantCode: http.StatusOK,
			verify: func(t *testing.T, status HealthStatus) {
				assert.Equal(t, "healthy", status.Status)
				require.Len(t, status.Checks, 2)
				assert.Equal(t, "pass", status.Checks["database"].Status)
				assert.Equal(t, "pass", status.Checks["redis"].Status)
			},
		},
		{
			name: "cache down marks service unhealthy",
			checks: []HealthCheck{
				&stubCheck{name: "database"},
				&stubCheck{name: "redis", err: errors.New("connection refused")},
			},
			wantCode: http.StatusServiceUnavailable,
			verify: func(t *testing.T, status HealthStatus) {
				assert.Equal(t, "unhealthy", status.Status)
				assert.Equal(t, "pass", status.Checks["database"].Status)
				assert.Equal(t, "fail", status.Checks["redis"].Status)
				assert.Equal(t, "connection refused", status.Checks["redis"].Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks {
				handler.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			tt.verify(t, decodeHealthStatus(t, w))
		})
	}
}

func TestHealthHandler_Version(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.2.0", "2025-06-01T00:00:00Z", "deadbee")(
		w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", data["version"])
	assert.Equal(t, "2025-06-01T00:00:00Z", data["build_time"])
	assert.Equal(t, "deadbee", data["git_commit"])
}

// 就绪检查在注册与探测并发时不得竞争
func TestHealthHandler_ConcurrentReadiness(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.RegisterCheck(&stubCheck{name: "database"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				handler.RegisterCheck(&stubCheck{name: "redis"})
				return
			}
			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}(i)
	}
	wg.Wait()
}
