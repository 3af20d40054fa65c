// Package supervisor runs one child service through its lifecycle: data
// preparation, port reclamation, spawn, readiness, health polling, graceful
// stop and bounded automatic restart.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcguard/internal/env"
	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/probe"
	"github.com/loykin/svcguard/internal/process"
	"github.com/loykin/svcguard/internal/profile"
)

// Status is a point-in-time snapshot.
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	PID          int           `json:"pid,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"-"`
	UptimeMS     int64         `json:"uptime_ms,omitempty"`
	RestartCount int           `json:"restart_count"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Healthy      bool          `json:"healthy"`
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnv sets the environment layers merged under the profile's own vars.
func WithEnv(e *env.Env) Option {
	return func(s *Supervisor) { s.env = e }
}

func WithReclaimer(r *portreclaim.Reclaimer) Option {
	return func(s *Supervisor) { s.reclaimer = r }
}

// WithProbe overrides the probe built from the profile's readiness spec.
func WithProbe(p probe.Probe) Option {
	return func(s *Supervisor) { s.probe = p }
}

type Supervisor struct {
	profile   profile.Profile
	logger    *slog.Logger
	env       *env.Env
	reclaimer *portreclaim.Reclaimer
	probe     probe.Probe

	mu           sync.Mutex
	state        State
	proc         *process.Process
	startedAt    time.Time
	restarts     int
	lastErr      error
	exitCode     *int
	healthy      bool
	shuttingDown bool
	closed       bool
	unhealthy    error

	runCancel    context.CancelFunc
	startDone    chan struct{}
	stopDone     chan struct{}
	healthCancel context.CancelFunc
	restartTimer *time.Timer
	restartGen   uint64

	statusL listeners[StatusEvent]
	logL    listeners[LogLine]
	events  *dispatcher
}

// New validates p and returns a stopped supervisor.
func New(p profile.Profile, opts ...Option) (*Supervisor, error) {
	p = p.WithDefaults()
	s := &Supervisor{profile: p, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.probe == nil {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		pr, err := p.Probe()
		if err != nil {
			return nil, err
		}
		s.probe = pr
	}
	if s.env == nil {
		s.env = env.New()
	}
	s.logger = s.logger.With("service", p.Name)
	if s.reclaimer == nil {
		s.reclaimer = portreclaim.New(s.logger)
	}
	s.events = newDispatcher(s.logger)
	return s, nil
}

func (s *Supervisor) Name() string { return s.profile.Name }

func (s *Supervisor) Profile() profile.Profile { return s.profile }

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:         s.profile.Name,
		State:        s.state,
		RestartCount: s.restarts,
		Healthy:      s.healthy,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
		st.Uptime = time.Since(t)
		st.UptimeMS = st.Uptime.Milliseconds()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		st.ExitCode = &c
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// OnStatusChange registers cb for every transition. Callbacks run on the
// supervisor's event goroutine, in order. The returned func unsubscribes.
func (s *Supervisor) OnStatusChange(cb func(StatusEvent)) func() {
	return s.statusL.add(cb)
}

// OnLog registers cb for every stdout/stderr line of the child.
func (s *Supervisor) OnLog(cb func(LogLine)) func() {
	return s.logL.add(cb)
}

// Cleanup stops the child, drops any pending restart and drains queued
// events. It is safe to call more than once.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	err := s.Stop(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.cancelRestartLocked()
	s.mu.Unlock()
	process.RemovePIDFile(s.profile.PIDFile)
	s.events.close()
	return err
}

// setStateLocked records a transition and queues the status event.
func (s *Supervisor) setStateLocked(to State, cause error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	pid := 0
	if s.proc != nil {
		pid = s.proc.PID()
	}
	metrics.RecordTransition(s.profile.Name, from.String(), to.String())
	ev := StatusEvent{Service: s.profile.Name, From: from, To: to, PID: pid, Err: cause, At: time.Now()}
	s.logger.Debug("state change", "from", from, "to", to, "pid", pid)
	fns := s.statusL.snapshot()
	if len(fns) == 0 {
		return
	}
	s.events.post(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (s *Supervisor) emitLog(stream Stream, text string) {
	fns := s.logL.snapshot()
	if len(fns) == 0 {
		return
	}
	line := LogLine{Service: s.profile.Name, Stream: stream, Text: text, At: time.Now()}
	s.events.post(func() {
		for _, fn := range fns {
			fn(line)
		}
	})
}
