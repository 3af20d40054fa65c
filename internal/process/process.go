package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// pipeDrainDelay bounds how long Wait keeps draining stdout/stderr after the
// child exits, in case a grandchild inherited the pipes.
const pipeDrainDelay = 2 * time.Second

// killGrace is how long Stop waits for the exit to be observed after SIGKILL.
const killGrace = 2 * time.Second

var ErrNotStarted = errors.New("process not started")

// Spec describes one child invocation.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	WorkDir string
	Env     []string
	// Stdout and Stderr receive the raw output streams. Nil discards.
	Stdout io.Writer
	Stderr io.Writer
}

// Process is the OS handle of one spawned child. It is owned by exactly one
// supervisor; the exit is observed by a single internal waiter.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
}

// Start spawns the child in its own process group with stdin closed.
func Start(spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("%s: empty command path", spec.Name)
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdin = nil
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = pipeDrainDelay
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := -1
	if ps := p.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	// ErrWaitDelay only means the pipes were force-closed; the exit itself is known.
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	p.mu.Lock()
	p.exitErr = err
	p.exitCode = code
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the child has exited and its output has been drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the exit has been observed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is -1 while running or when the child was killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error reported by Wait, nil for a clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Signal delivers sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p == nil || p.pid <= 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	return signalGroup(p.pid, sig)
}

func (p *Process) Terminate() error { return p.Signal(syscall.SIGTERM) }
func (p *Process) Kill() error      { return p.Signal(syscall.SIGKILL) }

// Stop sends SIGTERM and waits up to timeout for the exit, escalating to
// SIGKILL when the timeout fires or ctx is cancelled. forced reports whether
// the escalation happened.
func (p *Process) Stop(ctx context.Context, timeout time.Duration) (forced bool, err error) {
	if p.Exited() {
		return false, nil
	}
	// the group may already be gone; the wait below settles it either way
	_ = p.Terminate()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return false, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = p.Kill()
	select {
	case <-p.done:
		return true, nil
	case <-time.After(killGrace):
		return true, fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.name, p.pid)
	}
}
