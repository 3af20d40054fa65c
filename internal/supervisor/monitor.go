package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/process"
)

// watch waits for proc to exit and classifies the exit. Exits during a
// requested stop, or of a child that is no longer current, are ignored.
func (s *Supervisor) watch(proc *process.Process) {
	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc || s.shuttingDown || s.state != Running {
		return
	}
	code := proc.ExitCode()
	s.exitCode = &code
	s.proc = nil
	s.startedAt = time.Time{}
	s.healthy = false
	s.stopHealthLocked()
	process.RemovePIDFile(s.profile.PIDFile)

	err := fmt.Errorf("%w (exit code %d)", ErrUnexpectedExit, code)
	if s.unhealthy != nil {
		err = fmt.Errorf("%w after failed health checks: %v", ErrUnexpectedExit, s.unhealthy)
	}
	s.lastErr = err
	metrics.IncUnexpectedExit(s.profile.Name)
	s.logger.Error("service exited unexpectedly", "pid", proc.PID(), "exit_code", code, "error", err)
	s.setStateLocked(Error, err)
	s.scheduleRestartLocked()
}

// scheduleRestartLocked consults the restart policy and arms a timer for the
// next automatic start.
func (s *Supervisor) scheduleRestartLocked() {
	pol := s.profile.Restart
	if !pol.ShouldRestart(s.restarts) {
		s.logger.Error("restart attempts exhausted, giving up",
			"attempts", s.restarts, "max_attempts", pol.MaxAttempts)
		return
	}
	delay := pol.NextDelay(s.restarts)
	s.restarts++
	s.restartGen++
	gen := s.restartGen
	s.logger.Warn("scheduling restart",
		"attempt", s.restarts, "max_attempts", pol.MaxAttempts, "delay", delay)
	metrics.IncRestart(s.profile.Name)
	s.restartTimer = time.AfterFunc(delay, func() { s.autoRestart(gen) })
}

func (s *Supervisor) autoRestart(gen uint64) {
	err := s.start(context.Background(), gen)
	if err == nil || errors.Is(err, errRestartCancelled) || IsConflict(err) || errors.Is(err, ErrClosed) {
		return
	}
	// a failed automatic start counts as another unexpected exit
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Error && s.restartGen == gen && !s.closed {
		s.scheduleRestartLocked()
	}
}

func (s *Supervisor) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.restartGen++
}

func (s *Supervisor) startHealthLocked(proc *process.Process) {
	s.stopHealthLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.healthLoop(ctx, proc)
}

func (s *Supervisor) stopHealthLocked() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
}

// healthLoop re-runs the readiness probe while the child is Running.
// UnhealthyThreshold consecutive failures terminate the child; the exit is
// then handled like any other unexpected exit.
func (s *Supervisor) healthLoop(ctx context.Context, proc *process.Process) {
	t := time.NewTicker(s.profile.HealthInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			return
		case <-t.C:
		}
		err := s.probe.Check(ctx)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.proc != proc || s.state != Running {
			s.mu.Unlock()
			return
		}
		if err == nil {
			if failures > 0 || !s.healthy {
				s.logger.Info("health check recovered", "after_failures", failures)
			}
			failures = 0
			s.healthy = true
			s.mu.Unlock()
			continue
		}
		failures++
		metrics.IncHealthFailure(s.profile.Name)
		threshold := s.profile.UnhealthyThreshold
		s.logger.Warn("health check failed", "failures", failures, "threshold", threshold, "error", err)
		if threshold == 0 || failures < threshold {
			if threshold == 0 {
				s.healthy = false
			}
			s.mu.Unlock()
			continue
		}
		s.healthy = false
		s.unhealthy = err
		s.mu.Unlock()

		s.logger.Error("service unhealthy, terminating", "pid", proc.PID(), "failures", failures)
		s.terminate(proc)
		return
	}
}
