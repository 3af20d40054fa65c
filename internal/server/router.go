package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcguard/internal/host"
	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/supervisor"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
	detailLogLines  = 20
)

// Service is the control surface of one supervised child.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() supervisor.Status
}

// Registry resolves services by name.
type Registry interface {
	Statuses() []supervisor.Status
	Lookup(name string) (Service, error)
	RecentLogs(name string, n int) ([]supervisor.LogLine, error)
}

// ErrNotFound is matched by Lookup errors that should map to 404.
var ErrNotFound = host.ErrUnknownService

type hostRegistry struct{ h *host.Host }

// FromHost exposes a host's supervisors through the router.
func FromHost(h *host.Host) Registry { return hostRegistry{h: h} }

func (r hostRegistry) Statuses() []supervisor.Status { return r.h.Statuses() }

func (r hostRegistry) Lookup(name string) (Service, error) {
	sup, err := r.h.Get(name)
	if err != nil {
		return nil, err
	}
	return sup, nil
}

func (r hostRegistry) RecentLogs(name string, n int) ([]supervisor.LogLine, error) {
	return r.h.RecentLogs(name, n)
}

func (r hostRegistry) Gatherer() prometheus.Gatherer { return r.h.Gatherer() }

// gathererSource is implemented by registries that own a metrics registry.
type gathererSource interface {
	Gatherer() prometheus.Gatherer
}

// Router provides embeddable HTTP handlers for the supervised services.
// Endpoints:
//
//	GET  {basePath}/services
//	GET  {basePath}/services/:name
//	GET  {basePath}/services/:name/logs?n=100
//	POST {basePath}/services/:name/start|stop|restart
//	GET  /metrics
//	GET  /healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      Registry
	basePath string
	metrics  http.Handler
}

type RouterOption func(*Router)

// WithMetricsHandler replaces the Prometheus handler. By default /metrics
// serves the registry's own gatherer when it has one.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

func NewRouter(reg Registry, basePath string, opts ...RouterOption) *Router {
	r := &Router{reg: reg, basePath: normalizeBase(basePath), metrics: metrics.Handler()}
	if gs, ok := reg.(gathererSource); ok {
		r.metrics = metrics.HandlerFor(gs.Gatherer())
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// Register mounts the routes on an existing gin engine.
func (r *Router) Register(g *gin.Engine) {
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/services", r.handleList)
	group.GET("/services/:name", r.handleDetail)
	group.GET("/services/:name/logs", r.handleLogs)
	group.POST("/services/:name/start", r.action(Service.Start))
	group.POST("/services/:name/stop", r.action(Service.Stop))
	group.POST("/services/:name/restart", r.action(Service.Restart))
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, reg Registry, opts ...RouterOption) (*http.Server, error) {
	r := NewRouter(reg, basePath, opts...)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start blocks until the child is ready
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	// report the bound address when addr asked for port 0
	server.Addr = ln.Addr().String()
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// DetailResp is a status plus the tail of the child's output.
type DetailResp struct {
	supervisor.Status
	Logs []LogLineResp `json:"logs"`
}

type LogLineResp struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Statuses())
}

func (r *Router) lookup(c *gin.Context) (Service, string, bool) {
	name := c.Param("name")
	if !validServiceName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return nil, "", false
	}
	svc, err := r.reg.Lookup(name)
	if err != nil {
		writeError(c, statusFor(err), err)
		return nil, "", false
	}
	return svc, name, true
}

func (r *Router) handleDetail(c *gin.Context) {
	svc, name, ok := r.lookup(c)
	if !ok {
		return
	}
	lines, _ := r.reg.RecentLogs(name, detailLogLines)
	writeJSON(c, http.StatusOK, DetailResp{Status: svc.Status(), Logs: toLines(lines)})
}

func (r *Router) handleLogs(c *gin.Context) {
	_, name, ok := r.lookup(c)
	if !ok {
		return
	}
	n := defaultLogLines
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a positive integer"})
			return
		}
		n = min(v, maxLogLines)
	}
	lines, err := r.reg.RecentLogs(name, n)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, toLines(lines))
}

// action runs op detached from the client connection so a dropped request
// does not abort a start half way.
func (r *Router) action(op func(Service, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _, ok := r.lookup(c)
		if !ok {
			return
		}
		if err := op(svc, context.WithoutCancel(c.Request.Context())); err != nil {
			writeError(c, statusFor(err), err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case supervisor.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrStartupTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrPrematureExit):
		return http.StatusBadGateway
	case errors.Is(err, portreclaim.ErrPortInUse), errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toLines(in []supervisor.LogLine) []LogLineResp {
	out := make([]LogLineResp, 0, len(in))
	for _, l := range in {
		out = append(out, LogLineResp{Stream: string(l.Stream), Text: l.Text, At: l.At})
	}
	return out
}
