package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/api/"})
	require.NoError(t, err)
	return c
}

func TestServicesAndDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/services":
			_, _ = w.Write([]byte(`[{"name":"api","state":"running","pid":10,"uptime_ms":1500,"restart_count":1,"healthy":true},{"name":"gateway","state":"error","last_error":"startup timeout","restart_count":0,"healthy":false}]`))
		case "/api/services/api":
			_, _ = w.Write([]byte(`{"name":"api","state":"running","pid":10,"restart_count":0,"healthy":true,"logs":[{"stream":"stderr","text":"listening","at":"2026-01-01T00:00:00Z"}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	sts, err := c.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, sts, 2)
	assert.Equal(t, "running", sts[0].State)
	assert.Equal(t, 1500, int(sts[0].Uptime().Milliseconds()))
	assert.Equal(t, "startup timeout", sts[1].LastError)

	d, err := c.Service(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, 10, d.PID)
	require.Len(t, d.Logs, 1)
	assert.Equal(t, "listening", d.Logs[0].Text)
	assert.True(t, c.IsReachable(context.Background()))
}

func TestActionsAndErrors(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/api/services/api/start" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "already running"})
			return
		}
		if r.URL.Path == "/api/services/gateway/restart" {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx, "api"))

	err := c.Start(ctx, "api")
	ae, ok := AsAPIError(err)
	require.True(t, ok)
	assert.True(t, ae.Conflict())
	assert.Contains(t, err.Error(), "already running")

	err = c.Restart(ctx, "gateway")
	ae, ok = AsAPIError(err)
	require.True(t, ok)
	assert.True(t, ae.Timeout())
	assert.Equal(t, "HTTP 504", ae.Error())

	assert.Equal(t, []string{
		"POST /api/services/api/stop",
		"POST /api/services/api/start",
		"POST /api/services/gateway/restart",
	}, paths)
}

func TestLogsQuery(t *testing.T) {
	var rawQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"stream":"stdout","text":"a"},{"stream":"stdout","text":"b"}]`))
	})
	lines, err := c.Logs(context.Background(), "api", 2)
	require.NoError(t, err)
	assert.Equal(t, "n=2", rawQuery)
	assert.Len(t, lines, 2)

	_, err = c.Logs(context.Background(), "api", 0)
	require.NoError(t, err)
	assert.Empty(t, rawQuery)
}

func TestUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestTLSConfigErrors(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.ErrorContains(t, err, "parse CA certificate")

	c, err := New(Config{BaseURL: "https://localhost:1/api", Insecure: true})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
