package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixed(name string, status Status) *CheckerFunc {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRegistry()
				for i, s := range tt.statuses {
					r.Register(fixed(string(rune('a'+i)), s))
				}
				report := r.Check(context.Background())
				assert.Equal(t, tt.want, report.Status)
				assert.Len(t, report.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("register replaces and unregister removes", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))
		r.Register(fixed("broker", StatusHealthy))
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)

		r.Register(fixed("pool", StatusUnhealthy))
		r.Unregister("pool")
		assert.Len(t, r.Check(context.Background()).Checks, 1)
	})

	t.Run("metadata is reported", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("version", "1.0.0")
		assert.Equal(t, "1.0.0", r.Check(context.Background()).Metadata["version"])
	})

	t.Run("slow checks time out", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})
}

func TestHandlers(t *testing.T) {
	t.Run("health report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("activations", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Contains(t, report.Checks, "activations")
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("ready and alive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessHandler(NewRegistry(), time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())

		rec = httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, "alive", rec.Body.String())
	})
}
