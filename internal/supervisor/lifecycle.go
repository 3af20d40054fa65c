package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/svcguard/internal/datastore"
	"github.com/loykin/svcguard/internal/metrics"
	"github.com/loykin/svcguard/internal/portreclaim"
	"github.com/loykin/svcguard/internal/process"
)

// Start launches the child and blocks until it is ready or the start fails.
// A caller-initiated Start from Stopped or Error resets the restart counter
// and drops any pending automatic restart.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.start(ctx, 0)
}

// start runs one start attempt. gen is zero for caller starts and the
// restart generation for scheduled ones.
func (s *Supervisor) start(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case Starting:
		s.mu.Unlock()
		return ErrAlreadyStarting
	case Running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case Stopping:
		s.mu.Unlock()
		return ErrStopping
	}
	if gen == 0 {
		s.restarts = 0
		s.cancelRestartLocked()
	} else if s.state != Error || gen != s.restartGen {
		s.mu.Unlock()
		return errRestartCancelled
	} else {
		s.restartTimer = nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.startDone = done
	s.shuttingDown = false
	s.healthy = false
	s.unhealthy = nil
	s.exitCode = nil
	s.setStateLocked(Starting, nil)
	s.mu.Unlock()

	begin := time.Now()
	proc, err := s.launch(runCtx)
	aborted := runCtx.Err() != nil && ctx.Err() == nil
	cancel()

	s.mu.Lock()
	defer func() {
		s.runCancel = nil
		s.startDone = nil
		close(done)
		s.mu.Unlock()
	}()

	if s.state == Stopping || aborted {
		if proc != nil {
			// Stop is waiting on done and will reap this child.
			s.proc = proc
		}
		metrics.IncStart(s.profile.Name, "aborted")
		return ErrStartAborted
	}
	if err != nil {
		s.lastErr = err
		s.setStateLocked(Error, err)
		metrics.IncStart(s.profile.Name, startResult(err))
		s.logger.Error("start failed", "error", err, "elapsed", time.Since(begin).Round(time.Millisecond))
		return err
	}
	s.proc = proc
	s.startedAt = proc.StartedAt()
	s.healthy = true
	s.lastErr = nil
	s.setStateLocked(Running, nil)
	metrics.IncStart(s.profile.Name, "ok")
	s.logger.Info("service running", "pid", proc.PID(), "elapsed", time.Since(begin).Round(time.Millisecond))
	s.startHealthLocked(proc)
	go s.watch(proc)
	return nil
}

// launch prepares the environment, spawns the child and waits for it to
// become ready. On failure the child, if any, has been stopped.
func (s *Supervisor) launch(ctx context.Context) (*process.Process, error) {
	p := s.profile
	if p.DataStore != nil {
		res, err := p.DataStore.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		if res != datastore.ResultSkipped {
			s.logger.Info("data store prepared", "result", res, "path", p.DataStore.TargetPath)
		}
	}
	if p.PIDFile != "" {
		if pid, err := process.ReapStale(ctx, p.PIDFile, p.ShutdownTimeout); pid > 0 || err != nil {
			s.logger.Warn("reaped orphan from previous run", "pid", pid, "pidfile", p.PIDFile, "error", err)
		}
	}
	if p.Port > 0 {
		if !portreclaim.IsPortAvailable(p.Port) {
			pids, err := s.reclaimer.Reclaim(ctx, p.Port)
			if err != nil {
				s.logger.Warn("port reclaim lookup failed", "port", p.Port, "error", err)
			}
			metrics.AddPortReclaims(p.Name, len(pids))
		}
		if err := s.reclaimer.WaitForRelease(ctx, p.Port, p.PortReleaseTimeout); err != nil {
			return nil, err
		}
	}

	inv, err := p.Invocation()
	if err != nil {
		return nil, err
	}
	stdout, stderr, closeOutputs := s.outputs()
	proc, err := process.Start(process.Spec{
		Name:    p.Name,
		Path:    inv.Path,
		Args:    inv.Args,
		WorkDir: inv.WorkDir,
		Env:     p.EnvList(s.env),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		closeOutputs()
		return nil, err
	}
	go func() {
		<-proc.Done()
		closeOutputs()
	}()
	s.logger.Info("spawned", "pid", proc.PID(), "command", inv.String())
	if err := process.WritePIDFile(p.PIDFile, proc); err != nil {
		s.logger.Warn("write pidfile", "path", p.PIDFile, "error", err)
	}

	begin := time.Now()
	if err := s.waitForReady(ctx, proc); err != nil {
		s.terminate(proc)
		process.RemovePIDFile(p.PIDFile)
		return nil, err
	}
	metrics.ObserveReadyWait(p.Name, time.Since(begin).Seconds())
	return proc, nil
}

// outputs builds the stdout/stderr sinks: line listeners plus optional
// rotating files. The returned func flushes and closes them.
func (s *Supervisor) outputs() (io.Writer, io.Writer, func()) {
	outLines := process.NewLineWriter(func(t string) { s.emitLog(StreamStdout, t) })
	errLines := process.NewLineWriter(func(t string) { s.emitLog(StreamStderr, t) })
	var stdout, stderr io.Writer = outLines, errLines
	closers := []io.Closer{outLines, errLines}

	outFile, errFile, err := s.profile.Logs.ProcessWriters(s.profile.Name)
	if err != nil {
		s.logger.Warn("child log files unavailable", "error", err)
	}
	if outFile != nil {
		stdout = io.MultiWriter(outLines, outFile)
		closers = append(closers, outFile)
	}
	if errFile != nil {
		stderr = io.MultiWriter(errLines, errFile)
		closers = append(closers, errFile)
	}
	return stdout, stderr, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
}

// waitForReady polls the probe until it passes, the child exits or the
// startup timeout elapses.
func (s *Supervisor) waitForReady(ctx context.Context, proc *process.Process) error {
	p := s.profile
	deadline := time.Now().Add(p.StartupTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = s.probe.Check(ctx)
		if lastErr == nil {
			break
		}
		if proc.Exited() {
			return premature(proc)
		}
		s.logger.Debug("not ready yet", "attempt", attempt, "probe", s.probe.Describe(), "error", lastErr)
		wait := time.NewTimer(p.ReadyPollInterval)
		select {
		case <-proc.Done():
			wait.Stop()
			return premature(proc)
		case <-ctx.Done():
			wait.Stop()
			return s.readyCtxErr(ctx, lastErr)
		case <-wait.C:
		}
	}

	settle := time.NewTimer(p.SettleDelay)
	defer settle.Stop()
	select {
	case <-proc.Done():
		return premature(proc)
	case <-ctx.Done():
		return s.readyCtxErr(ctx, nil)
	case <-settle.C:
	}
	if proc.Exited() {
		return premature(proc)
	}
	return nil
}

func (s *Supervisor) readyCtxErr(ctx context.Context, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if last != nil {
			return fmt.Errorf("%w after %s (%s): %v", ErrStartupTimeout, s.profile.StartupTimeout, s.probe.Describe(), last)
		}
		return fmt.Errorf("%w after %s", ErrStartupTimeout, s.profile.StartupTimeout)
	}
	return ctx.Err()
}

func premature(proc *process.Process) error {
	return &PrematureExitError{ExitCode: proc.ExitCode(), Err: proc.Err()}
}

// terminate stops proc within the shutdown timeout, escalating to SIGKILL.
func (s *Supervisor) terminate(proc *process.Process) {
	forced, err := proc.Stop(context.Background(), s.profile.ShutdownTimeout)
	if forced {
		metrics.IncShutdownTimeout(s.profile.Name)
		s.logger.Warn("shutdown timeout, child killed", "pid", proc.PID(), "timeout", s.profile.ShutdownTimeout)
	}
	if err != nil {
		s.logger.Error("stop child", "pid", proc.PID(), "error", err)
	}
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// shutdown timeout. An in-flight Start is aborted. Concurrent callers wait
// for the same stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return nil
	case Stopping:
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.shuttingDown = true
	s.cancelRestartLocked()
	s.stopHealthLocked()
	if s.state == Error && s.proc == nil && s.runCancel == nil {
		s.lastErr = nil
		s.setStateLocked(Stopped, nil)
		s.shuttingDown = false
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.stopDone = done
	runCancel, startDone := s.runCancel, s.startDone
	s.setStateLocked(Stopping, nil)
	s.mu.Unlock()

	if runCancel != nil {
		runCancel()
		<-startDone
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		s.logger.Info("stopping", "pid", proc.PID())
		s.terminate(proc)
	}
	process.RemovePIDFile(s.profile.PIDFile)

	s.mu.Lock()
	if proc != nil && proc.Exited() {
		code := proc.ExitCode()
		s.exitCode = &code
	}
	s.proc = nil
	s.startedAt = time.Time{}
	s.healthy = false
	s.shuttingDown = false
	s.lastErr = nil
	s.setStateLocked(Stopped, nil)
	s.stopDone = nil
	close(done)
	s.mu.Unlock()
	metrics.IncStop(s.profile.Name)
	s.logger.Info("stopped")
	return nil
}

// Restart stops the child, waits the profile's restart gap and starts it
// again. Start errors are returned.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	gap := time.NewTimer(s.profile.RestartGap)
	defer gap.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gap.C:
	}
	return s.Start(ctx)
}

func startResult(err error) string {
	switch {
	case errors.Is(err, ErrStartupTimeout):
		return "timeout"
	case errors.Is(err, ErrPrematureExit):
		return "premature_exit"
	case errors.Is(err, portreclaim.ErrPortInUse):
		return "port_in_use"
	case errors.Is(err, datastore.ErrInitFailed):
		return "data_init"
	default:
		return "error"
	}
}
