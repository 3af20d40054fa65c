// Package portreclaim frees a TCP port held by a stale process before a child
// is spawned onto it.
package portreclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/loykin/svcguard/internal/process"
)

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReleaseTimeout = 5 * time.Second
)

// ErrPortInUse is returned when a port did not become free in time.
var ErrPortInUse = errors.New("port still in use")

// Reclaimer terminates listeners on a port. Lookup and Signal are
// replaceable for tests; the zero value uses gopsutil and SIGTERM.
type Reclaimer struct {
	Logger       *slog.Logger
	Lookup       func(ctx context.Context, port int) ([]int, error)
	Signal       func(pid int) error
	PollInterval time.Duration
}

func New(logger *slog.Logger) *Reclaimer {
	return &Reclaimer{Logger: logger}
}

var defaultReclaimer = &Reclaimer{}

// IsPortAvailable binds a throwaway listener on every interface and
// releases it immediately.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func Reclaim(ctx context.Context, port int, exclude ...int) ([]int, error) {
	return defaultReclaimer.Reclaim(ctx, port, exclude...)
}

func WaitForRelease(ctx context.Context, port int, timeout time.Duration) error {
	return defaultReclaimer.WaitForRelease(ctx, port, timeout)
}

// Reclaim sends a termination signal to every process listening on port,
// except the current process and anything in exclude. Per-process failures
// are logged and skipped. It returns the PIDs that were signalled.
func (r *Reclaimer) Reclaim(ctx context.Context, port int, exclude ...int) ([]int, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = ListeningPIDs
	}
	pids, err := lookup(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("lookup listeners on port %d: %w", port, err)
	}
	self := os.Getpid()
	var signalled []int
	for _, pid := range pids {
		if pid <= 0 || pid == self || slices.Contains(exclude, pid) || slices.Contains(signalled, pid) {
			continue
		}
		if err := r.signal(pid); err != nil {
			r.logger().Warn("port reclaim: signal failed", "port", port, "pid", pid, "error", err)
			continue
		}
		r.logger().Info("port reclaim: terminated listener", "port", port, "pid", pid)
		signalled = append(signalled, pid)
	}
	return signalled, nil
}

// WaitForRelease polls until port can be bound or timeout elapses.
func (r *Reclaimer) WaitForRelease(ctx context.Context, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReleaseTimeout
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if IsPortAvailable(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d: %w", port, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("port %d after %s: %w", port, timeout, ErrPortInUse)
		case <-tick.C:
		}
	}
}

// ListeningPIDs returns the PIDs with a TCP socket in LISTEN state on port.
func ListeningPIDs(ctx context.Context, port int) ([]int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		if pid := int(c.Pid); !slices.Contains(pids, pid) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (r *Reclaimer) signal(pid int) error {
	if r.Signal != nil {
		return r.Signal(pid)
	}
	return process.SignalPID(pid, syscall.SIGTERM)
}

func (r *Reclaimer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
