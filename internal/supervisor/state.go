package supervisor

import (
	"errors"
	"fmt"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Stopped, Starting, Running, Stopping, Error} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var (
	ErrAlreadyStarting = errors.New("already starting")
	ErrAlreadyRunning  = errors.New("already running")
	ErrStopping        = errors.New("stopping, please wait")
	ErrStartAborted    = errors.New("start aborted by stop")
	ErrClosed          = errors.New("supervisor closed")

	ErrStartupTimeout = errors.New("startup timeout")
	ErrPrematureExit  = errors.New("exited before ready")
	ErrUnexpectedExit = errors.New("unexpected exit")

	errRestartCancelled = errors.New("scheduled restart cancelled")
)

// PrematureExitError reports a child that died while it was being waited on
// for readiness.
type PrematureExitError struct {
	ExitCode int
	Err      error
}

func (e *PrematureExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (exit code %d): %v", ErrPrematureExit, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s (exit code %d)", ErrPrematureExit, e.ExitCode)
}

func (e *PrematureExitError) Is(target error) bool { return target == ErrPrematureExit }

func (e *PrematureExitError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a state conflict rather than a failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyStarting) || errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrStopping) || errors.Is(err, ErrStartAborted)
}
