package profile

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/env"
	"github.com/loykin/svcguard/internal/probe"
)

func testHost(t *testing.T, mode Mode) HostContext {
	t.Helper()
	root := t.TempDir()
	return HostContext{
		Mode:         mode,
		ResourcesDir: filepath.Join(root, "res"),
		DataDir:      filepath.Join(root, "data"),
		LogDir:       filepath.Join(root, "logs"),
		Tools:        map[string]string{"node": "/usr/local/bin/node", "npx": ""},
	}
}

func TestHostContextExpandAndTools(t *testing.T) {
	h := HostContext{ResourcesDir: "/res", DataDir: "/data", LogDir: "/logs", Tools: map[string]string{"node": "/bin/node", "npm": ""}}
	assert.Equal(t, "/res/bin/x --db=/data/a.db --log=/logs", h.Expand("${RESOURCES}/bin/x --db=${DATA}/a.db --log=${LOGS}"))
	assert.Equal(t, "${HOME}/x", h.Expand("${HOME}/x"))

	p, ok := h.Tool("node")
	assert.True(t, ok)
	assert.Equal(t, "/bin/node", p)
	_, ok = h.Tool("npm")
	assert.False(t, ok)
	_, ok = h.Tool("deno")
	assert.False(t, ok)
}

func TestNewHostContextLooksUpOnce(t *testing.T) {
	h := NewHostContext(ModeDev, "/r", "/d", "/l", "svcguard-no-such-tool", "sh")
	assert.Contains(t, h.Tools, "svcguard-no-such-tool")
	assert.Empty(t, h.Tools["svcguard-no-such-tool"])
	if runtime.GOOS != "windows" {
		assert.NotEmpty(t, h.Tools["sh"])
	}
	assert.Len(t, NewHostContext(ModeDev, "", "", "").Tools, len(DefaultTools))
}

func TestCommandResolveByMode(t *testing.T) {
	spec := CommandSpec{
		Dev:      Invocation{Path: "node", Args: []string{"${RESOURCES}/api/server.js"}},
		Packaged: Invocation{Path: "${RESOURCES}/bin/api", WorkDir: "${DATA}"},
	}
	h := testHost(t, ModeDev)
	inv, err := spec.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/node", inv.Path)
	assert.Equal(t, []string{h.ResourcesDir + "/api/server.js"}, inv.Args)
	assert.Equal(t, h.ResourcesDir, inv.WorkDir)
	assert.Equal(t, "/usr/local/bin/node "+h.ResourcesDir+"/api/server.js", inv.String())

	h.Mode = ModePackaged
	inv, err = spec.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, h.ResourcesDir+"/bin/api", inv.Path)
	assert.Empty(t, inv.Args)
	assert.Equal(t, h.DataDir, inv.WorkDir)
}

func TestCommandResolveErrors(t *testing.T) {
	h := testHost(t, ModePackaged)
	_, err := CommandSpec{Dev: Invocation{Path: "node"}}.Resolve(h)
	assert.ErrorIs(t, err, ErrNoCommand)

	h.Mode = ModeDev
	_, err = CommandSpec{Dev: Invocation{Path: "svcguard-no-such-tool"}}.Resolve(h)
	assert.Error(t, err)
}

func TestWithDefaultsKeepsZeroThreshold(t *testing.T) {
	p := Profile{Name: "x"}.WithDefaults()
	assert.Equal(t, DefaultStartupTimeout, p.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, p.ShutdownTimeout)
	assert.Equal(t, DefaultRestartGap, p.RestartGap)
	assert.Zero(t, p.UnhealthyThreshold)

	p = Profile{Name: "x", StartupTimeout: time.Second}.WithDefaults()
	assert.Equal(t, time.Second, p.StartupTimeout)
}

func TestValidateCollectsErrors(t *testing.T) {
	err := Profile{Port: 70000, UnhealthyThreshold: -1, Readiness: probe.Spec{Type: "bogus"}}.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "name is required")
	assert.ErrorContains(t, err, "out of range")
	assert.ErrorContains(t, err, "unhealthy threshold")
	assert.ErrorContains(t, err, "unknown probe type")
}

func TestAPIProfile(t *testing.T) {
	h := testHost(t, ModeDev)
	svc := config.ServiceConfig{
		Host: "0.0.0.0", Port: 8787, APIKey: "k",
		Env:                []string{"NODE_ENV=production", "PORT=1"},
		UnhealthyThreshold: 3, MaxRestartAttempts: 3,
	}
	p, err := APIProfile(h, svc)
	require.NoError(t, err)

	assert.Equal(t, config.ServiceAPI, p.Name)
	assert.Equal(t, "0.0.0.0", p.Env["HOST"])
	assert.Equal(t, "8787", p.Env["PORT"], "resolved port wins over service env")
	assert.Equal(t, "k", p.Env["API_KEY"])
	assert.Equal(t, "production", p.Env["NODE_ENV"])
	assert.Equal(t, "file:"+filepath.Join(h.DataDir, "api.db"), p.Env["DATABASE_URL"])
	assert.Equal(t, "http", p.Readiness.Type)
	assert.Equal(t, "http://127.0.0.1:8787/health", p.Readiness.URL)
	assert.Equal(t, filepath.Join(h.DataDir, "run", "api.pid"), p.PIDFile)
	assert.Equal(t, h.LogDir, p.Logs.Dir)
	assert.Equal(t, 3, p.Restart.MaxAttempts)
	assert.Nil(t, p.DataStore)

	inv, err := p.Invocation()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/node", inv.Path)
	assert.Equal(t, []string{h.ResourcesDir + "/api/dist/server.js"}, inv.Args)
}

func TestAPIProfileDataStore(t *testing.T) {
	h := testHost(t, ModePackaged)
	svc := config.ServiceConfig{
		Host: "127.0.0.1", Port: 8787,
		DataStore: config.DataStoreConfig{
			Template:       "${RESOURCES}/seed.db",
			MigrateCommand: []string{"${RESOURCES}/bin/migrate", "up"},
			RequiredTables: []string{"users"},
		},
	}
	p, err := APIProfile(h, svc)
	require.NoError(t, err)
	require.NotNil(t, p.DataStore)
	assert.Equal(t, filepath.Join(h.DataDir, "api.db"), p.DataStore.TargetPath)
	assert.Equal(t, h.ResourcesDir+"/seed.db", p.DataStore.TemplatePath)
	assert.Equal(t, []string{h.ResourcesDir + "/bin/migrate", "up"}, p.DataStore.MigrateCommand)
	assert.NotNil(t, p.DataStore.Validate)
	assert.Nil(t, p.DataStore.Migrate)

	inv, err := p.Invocation()
	require.NoError(t, err)
	assert.Equal(t, h.ResourcesDir+"/bin/api-server", inv.Path)
}

func TestGatewayProfile(t *testing.T) {
	h := testHost(t, ModeDev)
	api, err := APIProfile(h, config.ServiceConfig{Host: "127.0.0.1", Port: 8787, APIKey: "k"})
	require.NoError(t, err)

	gw, err := GatewayProfile(h, config.ServiceConfig{Host: "127.0.0.1", Port: 8788, APIKey: "k"}, api)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8787", gw.Env["API_URL"])
	assert.Equal(t, "k", gw.Env["API_KEY"])
	assert.Equal(t, "tcp", gw.Readiness.Type)
	assert.Equal(t, 8788, gw.Readiness.Port)
	assert.Equal(t, "127.0.0.1", gw.Readiness.Host)

	gw, err = GatewayProfile(h, config.ServiceConfig{
		Host: "127.0.0.1", Port: 8788,
		Readiness: config.ReadinessConfig{Type: "command", Command: "${RESOURCES}/bin/check"},
	}, api)
	require.NoError(t, err)
	assert.Equal(t, "command", gw.Readiness.Type)
	assert.Equal(t, h.ResourcesDir+"/bin/check", gw.Readiness.Command)
	_, hasKey := gw.Env["API_KEY"]
	assert.False(t, hasKey)
}

func TestEnvListLayersProfileLast(t *testing.T) {
	t.Setenv("SVCGUARD_PROFILE_TEST", "os")
	e := env.New()
	e.Set("SVCGUARD_PROFILE_TEST", "global")
	p := Profile{Env: env.Vars{"SVCGUARD_PROFILE_TEST": "service"}}
	got, ok := env.Lookup(p.EnvList(e), "SVCGUARD_PROFILE_TEST")
	require.True(t, ok)
	assert.Equal(t, "service", got)
}

func TestBaseURLMapsWildcard(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:80", Profile{Bind: "0.0.0.0", Port: 80}.BaseURL())
	assert.Equal(t, "http://[::1]:81", Profile{Bind: "::1", Port: 81}.BaseURL())
}
