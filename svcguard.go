// Package svcguard embeds the service supervisor in another program.
//
// A Host owns the application API and the messaging gateway: it starts the
// API first, the gateway once the API is ready, and stops them in reverse.
// NewRouter exposes the same control surface over HTTP for mounting in an
// existing server.
package svcguard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/datastore"
	"github.com/loykin/svcguard/internal/history"
	"github.com/loykin/svcguard/internal/host"
	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/profile"
	iapi "github.com/loykin/svcguard/internal/server"
	"github.com/loykin/svcguard/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ServiceConfig = config.ServiceConfig

type Status = supervisor.Status

type State = supervisor.State

type StatusEvent = supervisor.StatusEvent

type LogLine = supervisor.LogLine

type Profile = profile.Profile

type HistoryEvent = history.Event

type HistorySink = history.Sink

const (
	ServiceAPI     = config.ServiceAPI
	ServiceGateway = config.ServiceGateway
)

const (
	Stopped  = supervisor.Stopped
	Starting = supervisor.Starting
	Running  = supervisor.Running
	Stopping = supervisor.Stopping
	Error    = supervisor.Error
)

// Errors returned by Start, Stop and Restart. Match them with errors.Is.
var (
	ErrAlreadyStarting = supervisor.ErrAlreadyStarting
	ErrAlreadyRunning  = supervisor.ErrAlreadyRunning
	ErrStopping        = supervisor.ErrStopping
	ErrStartAborted    = supervisor.ErrStartAborted
	ErrStartupTimeout  = supervisor.ErrStartupTimeout
	ErrPrematureExit   = supervisor.ErrPrematureExit
	ErrUnexpectedExit  = supervisor.ErrUnexpectedExit
	ErrPortInUse       = portreclaim.ErrPortInUse
	ErrDataInit        = datastore.ErrInitFailed
	ErrUnknownService  = host.ErrUnknownService
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Host is a thin facade over internal/host.Host.
type Host struct{ inner *host.Host }

type HostOption = host.Option

func WithLogger(l *slog.Logger) HostOption { return host.WithLogger(l) }

func WithRegisterer(r prometheus.Registerer) HostOption { return host.WithRegisterer(r) }

// WithHistorySinks adds sinks next to the ones configured by DSN.
func WithHistorySinks(s ...HistorySink) HostOption { return host.WithSinks(s...) }

func New(cfg *Config, opts ...HostOption) (*Host, error) {
	h, err := host.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{inner: h}, nil
}

func (h *Host) StartAll(ctx context.Context) error { return h.inner.StartAll(ctx) }
func (h *Host) StopAll(ctx context.Context) error  { return h.inner.StopAll(ctx) }
func (h *Host) Cleanup(ctx context.Context) error  { return h.inner.Cleanup(ctx) }
func (h *Host) Reload(ctx context.Context, cfg *Config) error {
	return h.inner.Reload(ctx, cfg)
}
func (h *Host) Watch() error       { return h.inner.Watch() }
func (h *Host) Names() []string    { return h.inner.Names() }
func (h *Host) Statuses() []Status { return h.inner.Statuses() }
func (h *Host) RecentLogs(name string, n int) ([]LogLine, error) {
	return h.inner.RecentLogs(name, n)
}

// Service returns the supervisor of one enabled service.
func (h *Host) Service(name string) (*Supervisor, error) {
	s, err := h.inner.Get(name)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// Supervisor controls one child service.
type Supervisor struct{ inner *supervisor.Supervisor }

// NewSupervisor supervises a single custom profile outside a Host.
func NewSupervisor(p Profile, logger *slog.Logger) (*Supervisor, error) {
	var opts []supervisor.Option
	if logger != nil {
		opts = append(opts, supervisor.WithLogger(logger))
	}
	s, err := supervisor.New(p, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Name() string                      { return s.inner.Name() }
func (s *Supervisor) Start(ctx context.Context) error   { return s.inner.Start(ctx) }
func (s *Supervisor) Stop(ctx context.Context) error    { return s.inner.Stop(ctx) }
func (s *Supervisor) Restart(ctx context.Context) error { return s.inner.Restart(ctx) }
func (s *Supervisor) Status() Status                    { return s.inner.Status() }
func (s *Supervisor) Cleanup(ctx context.Context) error { return s.inner.Cleanup(ctx) }

// OnStatusChange registers cb and returns its unsubscribe func.
func (s *Supervisor) OnStatusChange(cb func(StatusEvent)) func() {
	return s.inner.OnStatusChange(cb)
}

func (s *Supervisor) OnLog(cb func(LogLine)) func() { return s.inner.OnLog(cb) }

// NewRouter returns the control API as an http.Handler for mounting in an
// existing server (gin, echo or net/http).
func NewRouter(h *Host, basePath string) http.Handler {
	return iapi.NewRouter(iapi.FromHost(h.inner), basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API.
func NewHTTPServer(addr, basePath string, h *Host) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, iapi.FromHost(h.inner))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// MetricsHandlerFor serves g, for hosts built with their own registry.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler { return metrics.HandlerFor(g) }
