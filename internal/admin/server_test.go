package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siemalert/internal/cycle"
	"siemalert/internal/driver"
	logx "siemalert/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeOperator struct {
	mu     sync.Mutex
	health driver.Health
	last   cycle.RunOptions
	kind   cycle.Kind
	failed int
}

func (f *fakeOperator) run(kind cycle.Kind, opts cycle.RunOptions) cycle.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last, f.kind = opts, kind
	return cycle.Summary{Cycle: kind, RunID: "run-1", Trigger: opts.Trigger, Failed: f.failed}
}

func (f *fakeOperator) RunAlertCheckNow(_ context.Context, opts cycle.RunOptions) cycle.Summary {
	return f.run(cycle.KindAlertCheck, opts)
}

func (f *fakeOperator) RunReportCycleNow(_ context.Context, opts cycle.RunOptions) cycle.Summary {
	return f.run(cycle.KindReport, opts)
}

func (f *fakeOperator) Health() driver.Health { return f.health }

func (f *fakeOperator) Status() driver.Status {
	return driver.Status{Health: f.health, Interval: "2m0s"}
}

func do(t *testing.T, s *Server, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	op := &fakeOperator{health: driver.Health{Status: driver.StatusOK}}
	s := New(Config{Token: "secret"}, op, nil, logx.Nop())

	w := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code, "healthz needs no token")

	op.health = driver.Health{Status: driver.StatusDegraded, LastError: "alert-check: config store: down"}
	w = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "config store: down")
}

func TestAuth(t *testing.T) {
	t.Parallel()

	s := New(Config{Token: "secret"}, &fakeOperator{}, nil, logx.Nop())
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"ok", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodGet, "/api/v1/status", tt.token)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRunAlertCheckParsesOptions(t *testing.T) {
	t.Parallel()

	op := &fakeOperator{}
	s := New(Config{}, op, nil, logx.Nop())

	w := do(t, s, http.MethodPost, "/api/v1/run/alert-check?force=true&config_id=a,b&config_id=c", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cycle.KindAlertCheck, op.kind)
	assert.True(t, op.last.Force)
	assert.Equal(t, []string{"a", "b", "c"}, op.last.ConfigIDs)
	assert.Equal(t, cycle.TriggerManual, op.last.Trigger)

	var resp runResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "run-1", resp.Summary.RunID)
}

func TestRunReportCycle(t *testing.T) {
	t.Parallel()

	op := &fakeOperator{failed: 1}
	s := New(Config{}, op, nil, logx.Nop())

	w := do(t, s, http.MethodPost, "/api/v1/run/report-cycle?force&ignore_marker=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cycle.KindReport, op.kind)
	assert.True(t, op.last.Force)
	assert.True(t, op.last.IgnoreMarker)

	var resp runResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.OK)

	w = do(t, s, http.MethodPost, "/api/v1/run/report-cycle?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("siemalert_up 1\n"))
	})
	s := New(Config{Token: "secret"}, &fakeOperator{}, metrics, logx.Nop())
	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "siemalert_up 1\n", w.Body.String())
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()

	off := New(Config{Token: "secret"}, &fakeOperator{}, nil, logx.Nop())
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/debug/pprof/", "secret").Code)

	s := New(Config{Token: "secret", Pprof: PprofConfig{Enabled: true}}, &fakeOperator{}, nil, logx.Nop())
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/debug/pprof/", "").Code)

	w := do(t, s, http.MethodGet, "/debug/pprof/", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutine")

	w = do(t, s, http.MethodGet, "/debug/pprof/goroutine?debug=1", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutine profile")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/debug/pprof/cmdline", "secret").Code)
}
