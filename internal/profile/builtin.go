package profile

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/datastore"
	"github.com/loykin/svcguard/internal/env"
	"github.com/loykin/svcguard/internal/logger"
	"github.com/loykin/svcguard/internal/probe"
	"github.com/loykin/svcguard/internal/restart"
)

var (
	defaultAPICommand = CommandSpec{
		Dev:      Invocation{Path: "node", Args: []string{"${RESOURCES}/api/dist/server.js"}},
		Packaged: Invocation{Path: "${RESOURCES}/bin/api-server"},
	}
	defaultGatewayCommand = CommandSpec{
		Dev:      Invocation{Path: "node", Args: []string{"${RESOURCES}/gateway/dist/index.js"}},
		Packaged: Invocation{Path: "${RESOURCES}/bin/gateway"},
	}
)

// APIProfile builds the application API service: HTTP readiness on
// /health, a data store prepared before the first start and HOST, PORT,
// API_KEY and DATABASE_URL in the environment.
func APIProfile(h HostContext, svc config.ServiceConfig) (Profile, error) {
	p := base(h, config.ServiceAPI, svc, defaultAPICommand)

	dbPath := h.Expand(svc.DataStore.Path)
	if dbPath == "" {
		dbPath = filepath.Join(h.DataDir, "api.db")
	}
	p.Env["DATABASE_URL"] = "file:" + dbPath
	p.DataStore = dataStore(h, svc.DataStore, dbPath)

	rc := svc.Readiness
	switch strings.ToLower(rc.Type) {
	case "", "http", "https":
		url := rc.URL
		if url == "" {
			path := rc.Path
			if path == "" {
				path = "/health"
			}
			url = p.BaseURL() + path
		}
		p.Readiness = probe.Spec{Type: "http", URL: url, Method: rc.Method, Timeout: rc.Timeout}
	default:
		p.Readiness = readiness(rc, p)
	}
	return p, p.Validate()
}

// GatewayProfile builds the messaging gateway. It is probed over TCP and
// pointed at api through API_URL.
func GatewayProfile(h HostContext, svc config.ServiceConfig, api Profile) (Profile, error) {
	p := base(h, config.ServiceGateway, svc, defaultGatewayCommand)
	p.Env["API_URL"] = api.BaseURL()
	p.Readiness = readiness(svc.Readiness, p)
	return p, p.Validate()
}

func base(h HostContext, name string, svc config.ServiceConfig, def CommandSpec) Profile {
	vars := env.Parse(svc.Env)
	vars["HOST"] = svc.Host
	vars["PORT"] = strconv.Itoa(svc.Port)
	if svc.APIKey != "" {
		vars["API_KEY"] = svc.APIKey
	}

	cmd := CommandSpec{
		Dev:      Invocation(svc.Command.Dev),
		Packaged: Invocation(svc.Command.Packaged),
	}
	if cmd.Dev.Path == "" {
		cmd.Dev = def.Dev
	}
	if cmd.Packaged.Path == "" {
		cmd.Packaged = def.Packaged
	}

	logs := logger.FileConfig{Dir: h.LogDir}
	if svc.Log != nil {
		logs = *svc.Log
	}
	pidfile := h.Expand(svc.PIDFile)
	if pidfile == "" && h.DataDir != "" {
		pidfile = filepath.Join(h.DataDir, "run", name+".pid")
	}

	return Profile{
		Name:               name,
		Host:               h,
		Command:            cmd,
		Env:                vars,
		Bind:               svc.Host,
		Port:               svc.Port,
		StartupTimeout:     svc.StartupTimeout,
		ReadyPollInterval:  svc.ReadyPollInterval,
		SettleDelay:        svc.SettleDelay,
		HealthInterval:     svc.HealthInterval,
		UnhealthyThreshold: svc.UnhealthyThreshold,
		ShutdownTimeout:    svc.ShutdownTimeout,
		PortReleaseTimeout: svc.PortReleaseTimeout,
		RestartGap:         svc.RestartGap,
		Restart: restart.Policy{
			MaxAttempts: svc.MaxRestartAttempts,
			Delay:       svc.RestartDelay,
			Multiplier:  svc.RestartMultiplier,
			MaxDelay:    svc.RestartMaxDelay,
		},
		PIDFile: pidfile,
		Logs:    logs,
	}.WithDefaults()
}

func readiness(rc config.ReadinessConfig, p Profile) probe.Spec {
	switch strings.ToLower(rc.Type) {
	case "http", "https":
		url := rc.URL
		if url == "" {
			url = p.BaseURL() + rc.Path
		}
		return probe.Spec{Type: "http", URL: url, Method: rc.Method, Timeout: rc.Timeout}
	case "command", "cmd":
		return probe.Spec{Type: "command", Command: p.Host.Expand(rc.Command), Timeout: rc.Timeout}
	default:
		return probe.Spec{Type: "tcp", Host: dialHost(p.Bind), Port: p.Port, Timeout: rc.Timeout}
	}
}

// dataStore returns nil when nothing is configured that could build the
// store, in which case the service owns its own initialization.
func dataStore(h HostContext, dc config.DataStoreConfig, target string) *datastore.Initializer {
	tmpl := h.Expand(dc.Template)
	if tmpl == "" && dc.Path == "" && len(dc.MigrateCommand) == 0 && len(dc.Schema) == 0 {
		return nil
	}
	in := &datastore.Initializer{
		TargetPath:   target,
		TemplatePath: tmpl,
		WorkDir:      h.ResourcesDir,
		Timeout:      dc.Timeout,
	}
	for _, a := range dc.MigrateCommand {
		in.MigrateCommand = append(in.MigrateCommand, h.Expand(a))
	}
	if len(dc.Schema) > 0 {
		in.Migrate = datastore.SQLiteSchemaMigrator(dc.Schema...)
	}
	if len(dc.RequiredTables) > 0 {
		in.Validate = datastore.SQLiteValidator(dc.RequiredTables...)
	}
	return in
}
