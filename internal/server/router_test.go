package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/supervisor"
)

type fakeService struct {
	mu      sync.Mutex
	name    string
	state   supervisor.State
	startFn func() error
	calls   []string
	gotCtx  context.Context
}

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	f.gotCtx = ctx
	if f.startFn != nil {
		return f.startFn()
	}
	f.state = supervisor.Running
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.state = supervisor.Stopped
	return nil
}

func (f *fakeService) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.calls = append(f.calls, "restart")
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Name: f.name, State: f.state, PID: 1234}
}

type fakeRegistry struct {
	svcs map[string]*fakeService
	logs []supervisor.LogLine
}

func (r *fakeRegistry) Statuses() []supervisor.Status {
	var out []supervisor.Status
	for _, n := range []string{"api", "gateway"} {
		if s, ok := r.svcs[n]; ok {
			out = append(out, s.Status())
		}
	}
	return out
}

func (r *fakeRegistry) Lookup(name string) (Service, error) {
	s, ok := r.svcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s, nil
}

func (r *fakeRegistry) RecentLogs(name string, n int) ([]supervisor.LogLine, error) {
	if _, ok := r.svcs[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if n > len(r.logs) {
		n = len(r.logs)
	}
	return r.logs[len(r.logs)-n:], nil
}

func setupRouter(t *testing.T, base string) (http.Handler, *fakeRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := &fakeRegistry{svcs: map[string]*fakeService{
		"api":     {name: "api"},
		"gateway": {name: "gateway"},
	}}
	for i := 0; i < 30; i++ {
		reg.logs = append(reg.logs, supervisor.LogLine{Service: "api", Stream: supervisor.StreamStdout, Text: fmt.Sprintf("line %d", i), At: time.Now()})
	}
	h := NewRouter(reg, base, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	}))).Handler()
	return h, reg
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestListServices(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/services")
	require.Equal(t, http.StatusOK, rec.Code)
	var sts []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sts))
	require.Len(t, sts, 2)
	assert.Equal(t, "api", sts[0]["name"])
	assert.Equal(t, "stopped", sts[0]["state"])
}

func TestStartStopRestart(t *testing.T) {
	h, reg := setupRouter(t, "")
	for _, op := range []string{"start", "stop", "restart"} {
		rec := doReq(t, h, http.MethodPost, "/services/gateway/"+op)
		require.Equal(t, http.StatusOK, rec.Code, op)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	}
	assert.Equal(t, []string{"start", "stop", "restart"}, reg.svcs["gateway"].calls)
	assert.NoError(t, reg.svcs["gateway"].gotCtx.Err())
}

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{supervisor.ErrAlreadyRunning, http.StatusConflict},
		{supervisor.ErrStopping, http.StatusConflict},
		{fmt.Errorf("%w after 30s", supervisor.ErrStartupTimeout), http.StatusGatewayTimeout},
		{&supervisor.PrematureExitError{ExitCode: 1}, http.StatusBadGateway},
		{fmt.Errorf("port 8787: %w", portreclaim.ErrPortInUse), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, reg := setupRouter(t, "/api")
		err := tc.err
		reg.svcs["api"].startFn = func() error { return err }
		rec := doReq(t, h, http.MethodPost, "/api/services/api/start")
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestUnknownAndInvalidService(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/services/worker").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/api/services/worker/start").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/services/a..b").Code)
}

func TestDetailIncludesRecentLogs(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/services/api")
	require.Equal(t, http.StatusOK, rec.Code)
	var d DetailResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "api", d.Name)
	assert.Equal(t, 1234, d.PID)
	require.Len(t, d.Logs, detailLogLines)
	assert.Equal(t, "line 29", d.Logs[len(d.Logs)-1].Text)
}

func TestLogsQuery(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/services/api/logs?n=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var lines []LogLineResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	require.Len(t, lines, 5)
	assert.Equal(t, "line 25", lines[0].Text)
	assert.Equal(t, "stdout", lines[0].Stream)

	rec = doReq(t, h, http.MethodGet, "/api/services/api/logs")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	assert.Len(t, lines, 30)

	for _, bad := range []string{"0", "-1", "ten"} {
		assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/services/api/logs?n="+bad).Code, bad)
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# metrics"))
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/healthz").Code)
}

type gatheringRegistry struct {
	*fakeRegistry
	reg *prometheus.Registry
}

func (r gatheringRegistry) Gatherer() prometheus.Gatherer { return r.reg }

func TestMetricsServesRegistryGatherer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	own := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_only_total", Help: "test"})
	own.MustRegister(counter)
	counter.Add(3)

	reg := gatheringRegistry{fakeRegistry: &fakeRegistry{svcs: map[string]*fakeService{}}, reg: own}
	h := NewRouter(reg, "/api").Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_only_total 3")
}

func TestNewServerBindsSynchronously(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := &fakeRegistry{svcs: map[string]*fakeService{"api": {name: "api"}}}
	srv, err := NewServer("127.0.0.1:0", "/api", reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	resp, err := http.Get("http://" + srv.Addr + "/api/services")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, "/api", reg)
	assert.Error(t, err)
}
