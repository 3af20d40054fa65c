// Package host wires the API and gateway supervisors together for an
// embedding application: it builds their profiles from configuration, starts
// them in dependency order and tears everything down on exit.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/env"
	"github.com/loykin/svcguard/internal/history"
	"github.com/loykin/svcguard/internal/history/factory"
	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/profile"
	"github.com/loykin/svcguard/internal/supervisor"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrClosed         = errors.New("host closed")
)

type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRegisterer overrides the registry metrics are registered with when
// metrics are enabled in the configuration.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(h *Host) { h.registerer = r }
}

// WithSinks adds history sinks on top of those configured by DSN.
func WithSinks(sinks ...history.Sink) Option {
	return func(h *Host) { h.extraSinks = append(h.extraSinks, sinks...) }
}

// WithLogLines sets the per-service recent-output buffer size.
func WithLogLines(n int) Option {
	return func(h *Host) { h.logLines = n }
}

// Host owns one supervisor per enabled service.
type Host struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	extraSinks []history.Sink
	logLines   int

	hc        profile.HostContext
	env       *env.Env
	reclaimer *portreclaim.Reclaimer
	recorder  *history.Recorder
	resources *metrics.ResourceCollector

	// lifecycle serializes Reload with Cleanup.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	cfg     *config.Config
	entries map[string]*entry
	closed  bool
}

type entry struct {
	sup    *supervisor.Supervisor
	svc    config.ServiceConfig
	logs   *lineRing
	unsubs []func()
}

func (e *entry) unsubscribe() {
	for _, u := range e.unsubs {
		u()
	}
}

// serviceOrder is the start order; stop runs in reverse.
var serviceOrder = []string{config.ServiceAPI, config.ServiceGateway}

// New resolves the host context once and builds the supervisors. Nothing is
// started.
func New(cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("host: nil config")
	}
	h := &Host{
		logger:   slog.Default(),
		logLines: DefaultLogLines,
		cfg:      cfg,
		entries:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}

	globals, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	h.env = env.New()
	for k, v := range env.Parse(globals) {
		h.env.Set(k, v)
	}
	h.hc = profile.NewHostContext(profile.Mode(cfg.Mode), cfg.ResourcesDir, cfg.DataDir, cfg.LogDir)
	h.reclaimer = portreclaim.New(h.logger)
	h.logger.Debug("host context", "mode", cfg.Mode, "resources", cfg.ResourcesDir, "data", cfg.DataDir, "tools", h.hc.Tools)

	if cfg.Metrics.Enabled {
		r := h.registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		h.resources = metrics.NewResourceCollector(h.pids, cfg.Metrics.SampleInterval, h.logger)
	}

	sinks := append([]history.Sink(nil), h.extraSinks...)
	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		s, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s...)
	}
	if len(sinks) > 0 {
		h.recorder = history.NewRecorder(h.logger, sinks...)
	}

	profiles, err := h.buildProfiles(cfg)
	if err != nil {
		_ = h.closeRecorder()
		return nil, err
	}
	for _, name := range serviceOrder {
		p, ok := profiles[name]
		if !ok {
			continue
		}
		svc, _ := cfg.Service(name)
		e, err := h.newEntry(p, svc)
		if err != nil {
			for _, made := range h.entries {
				_ = made.sup.Cleanup(context.Background())
			}
			_ = h.closeRecorder()
			return nil, err
		}
		h.entries[name] = e
	}
	if h.resources != nil {
		h.resources.Start(context.Background())
	}
	return h, nil
}

// buildProfiles returns the profiles of the enabled services.
func (h *Host) buildProfiles(cfg *config.Config) (map[string]profile.Profile, error) {
	out := make(map[string]profile.Profile, 2)
	api, err := profile.APIProfile(h.hc, cfg.API)
	if err != nil {
		return nil, err
	}
	if api.DataStore != nil {
		api.DataStore.Logger = h.logger.With("service", api.Name)
	}
	if !cfg.API.Disabled {
		out[api.Name] = api
	}
	if !cfg.Gateway.Disabled {
		gw, err := profile.GatewayProfile(h.hc, cfg.Gateway, api)
		if err != nil {
			return nil, err
		}
		out[gw.Name] = gw
	}
	return out, nil
}

func (h *Host) newEntry(p profile.Profile, svc config.ServiceConfig) (*entry, error) {
	sup, err := supervisor.New(p,
		supervisor.WithLogger(h.logger),
		supervisor.WithEnv(h.env),
		supervisor.WithReclaimer(h.reclaimer),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	e := &entry{sup: sup, svc: svc, logs: newLineRing(h.logLines)}
	log := h.logger.With("service", p.Name)
	e.unsubs = append(e.unsubs, sup.OnLog(func(l supervisor.LogLine) {
		e.logs.add(l)
		log.Debug(l.Text, "stream", l.Stream)
	}))
	if rec := h.recorder; rec != nil {
		e.unsubs = append(e.unsubs, sup.OnStatusChange(func(ev supervisor.StatusEvent) {
			rec.Record(history.NewEvent(ev.Service, ev.From.String(), ev.To.String(), ev.PID, ev.Err, ev.At))
		}))
	}
	return e, nil
}

// Names lists the enabled services in start order.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, n := range serviceOrder {
		if _, ok := h.entries[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (h *Host) Get(name string) (*supervisor.Supervisor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e.sup, nil
}

// Config returns the configuration currently in effect.
func (h *Host) Config() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Host) HostContext() profile.HostContext { return h.hc }

// Gatherer returns the registry the host's metrics were registered with,
// or the default gatherer when the registerer cannot be gathered.
func (h *Host) Gatherer() prometheus.Gatherer {
	if g, ok := h.registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Statuses returns one status per enabled service, in start order.
func (h *Host) Statuses() []supervisor.Status {
	var out []supervisor.Status
	for _, n := range h.Names() {
		if sup, err := h.Get(n); err == nil {
			out = append(out, sup.Status())
		}
	}
	return out
}

// RecentLogs returns up to n of the latest output lines of name.
func (h *Host) RecentLogs(name string, n int) ([]supervisor.LogLine, error) {
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e.logs.last(n), nil
}

// Resources returns the latest resource sample of name, if metrics are on.
func (h *Host) Resources(name string) (metrics.Sample, bool) {
	if h.resources == nil {
		return metrics.Sample{}, false
	}
	return h.resources.Latest(name)
}

// StartAll starts the API and then the gateway. The gateway is not started
// when the API fails. Services already running are left alone.
func (h *Host) StartAll(ctx context.Context) error {
	for _, n := range h.Names() {
		sup, err := h.Get(n)
		if err != nil {
			continue
		}
		if err := sup.Start(ctx); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
			return fmt.Errorf("start %s: %w", n, err)
		}
	}
	return nil
}

// StopAll stops the services in reverse start order.
func (h *Host) StopAll(ctx context.Context) error {
	names := h.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		sup, err := h.Get(names[i])
		if err != nil {
			continue
		}
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup stops every child, cancels pending restarts, flushes history and
// stops resource sampling. Safe to call more than once.
func (h *Host) Cleanup(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*entry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(entries))
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = e.sup.Cleanup(ctx)
			e.unsubscribe()
			return nil
		})
	}
	_ = g.Wait()
	if h.resources != nil {
		h.resources.Stop()
	}
	errs = append(errs, h.closeRecorder())
	return errors.Join(errs...)
}

func (h *Host) closeRecorder() error {
	if h.recorder == nil {
		return nil
	}
	return h.recorder.Close()
}

func (h *Host) pids() map[string]int {
	out := make(map[string]int, 2)
	for _, st := range h.Statuses() {
		if st.PID > 0 {
			out[st.Name] = st.PID
		}
	}
	return out
}
