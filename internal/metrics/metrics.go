package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svcguard"

// States lists every supervisor state label used by the current_state gauge.
var States = []string{"stopped", "starting", "running", "stopping", "error"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	// enabled flips on the first successful Register; registered tracks
	// each registerer so a second host can expose the same collectors.
	enabled    atomic.Bool
	regMu      sync.Mutex
	registered = map[prometheus.Registerer]struct{}{}

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Start attempts by outcome (ok, timeout, premature_exit, port_in_use, data_init, aborted, error).",
		}, []string{"service", "result"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Automatic restarts scheduled after an unexpected exit.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Caller-requested stops.",
		}, []string{"service"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Exits while running that were not requested.",
		}, []string{"service"},
	)
	shutdownTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "shutdown_timeouts_total",
			Help:      "Graceful stops that escalated to SIGKILL.",
		}, []string{"service"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_failures_total",
			Help:      "Failed periodic health probes.",
		}, []string{"service"},
	)
	portReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      "reclaims_total",
			Help:      "Foreign processes terminated to free a service port.",
		}, []string{"service"},
	)
	readyWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "ready_wait_seconds",
			Help:      "Time from spawn until the readiness probe first succeeded.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"service"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceStops, unexpectedExits, shutdownTimeouts,
		healthFailures, portReclaims, readyWait, currentState, stateTransitions,
		cpuPercent, rssBytes,
	}
}

// Register registers all metrics with the provided registerer. It is safe
// to call multiple times and with several registerers; each one is
// registered once.
func Register(r prometheus.Registerer) error {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registered[r]; ok {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	registered[r] = struct{}{}
	enabled.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded for any registerer.
func Enabled() bool { return enabled.Load() }

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g. A nil g falls back to the default gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncStart(service, result string) {
	if enabled.Load() {
		serviceStarts.WithLabelValues(service, result).Inc()
	}
}

func IncRestart(service string) {
	if enabled.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if enabled.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncUnexpectedExit(service string) {
	if enabled.Load() {
		unexpectedExits.WithLabelValues(service).Inc()
	}
}

func IncShutdownTimeout(service string) {
	if enabled.Load() {
		shutdownTimeouts.WithLabelValues(service).Inc()
	}
}

func IncHealthFailure(service string) {
	if enabled.Load() {
		healthFailures.WithLabelValues(service).Inc()
	}
}

func AddPortReclaims(service string, n int) {
	if enabled.Load() && n > 0 {
		portReclaims.WithLabelValues(service).Add(float64(n))
	}
}

func ObserveReadyWait(service string, seconds float64) {
	if enabled.Load() {
		readyWait.WithLabelValues(service).Observe(seconds)
	}
}

// RecordTransition bumps the transition counter and moves the state gauge.
func RecordTransition(service, from, to string) {
	if !enabled.Load() {
		return
	}
	stateTransitions.WithLabelValues(service, from, to).Inc()
	for _, s := range States {
		v := 0.0
		if s == to {
			v = 1
		}
		currentState.WithLabelValues(service, s).Set(v)
	}
}
