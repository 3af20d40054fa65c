package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const DefaultSampleInterval = 10 * time.Second

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised child since the previous sample.",
		}, []string{"service"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the supervised child.",
		}, []string{"service"},
	)
)

// Sample is one resource reading of a supervised child.
type Sample struct {
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	At         time.Time `json:"at"`
}

// PIDSource reports the live child PID of each service; services without a
// child are omitted.
type PIDSource func() map[string]int

// ResourceCollector periodically samples CPU and memory of supervised
// children with gopsutil and publishes them as gauges.
type ResourceCollector struct {
	source   PIDSource
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	procs  map[int]*gopsproc.Process
	latest map[string]Sample

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewResourceCollector(source PIDSource, interval time.Duration, logger *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceCollector{
		source:   source,
		interval: interval,
		logger:   logger,
		procs:    make(map[int]*gopsproc.Process),
		latest:   make(map[string]Sample),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start samples on a ticker until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.SampleNow(ctx)
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// SampleNow takes one reading of every live child.
func (c *ResourceCollector) SampleNow(ctx context.Context) []Sample {
	pids := c.source()
	now := time.Now()
	out := make([]Sample, 0, len(pids))

	c.mu.Lock()
	defer c.mu.Unlock()
	live := make(map[int]bool, len(pids))
	for service, pid := range pids {
		live[pid] = true
		p, ok := c.procs[pid]
		if !ok {
			np, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				c.logger.Debug("resource sample: process gone", "service", service, "pid", pid, "error", err)
				continue
			}
			p = np
			c.procs[pid] = p
		}
		s := Sample{Service: service, PID: pid, At: now}
		if v, err := p.PercentWithContext(ctx, 0); err == nil {
			s.CPUPercent = v
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			s.RSSBytes = mi.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			s.NumThreads = n
		}
		c.latest[service] = s
		out = append(out, s)
		if enabled.Load() {
			cpuPercent.WithLabelValues(service).Set(s.CPUPercent)
			rssBytes.WithLabelValues(service).Set(float64(s.RSSBytes))
		}
	}
	for pid := range c.procs {
		if !live[pid] {
			delete(c.procs, pid)
		}
	}
	for service := range c.latest {
		if _, ok := pids[service]; !ok {
			delete(c.latest, service)
			if enabled.Load() {
				cpuPercent.DeleteLabelValues(service)
				rssBytes.DeleteLabelValues(service)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Latest returns the most recent sample for service.
func (c *ResourceCollector) Latest(service string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[service]
	return s, ok
}
