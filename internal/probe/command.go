package probe

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const DefaultCommandTimeout = 5 * time.Second

// CommandProbe is ready when Command exits 0.
type CommandProbe struct {
	Command string
	Timeout time.Duration
}

// buildCommand avoids a shell unless the string contains shell syntax.
func buildCommand(ctx context.Context, s string) *exec.Cmd {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, s)
	}
	parts := strings.Fields(s)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p CommandProbe) Check(ctx context.Context) error {
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("command probe: empty command")
	}
	ctx, cancel := attemptContext(ctx, p.Timeout, DefaultCommandTimeout)
	defer cancel()
	err := buildCommand(ctx, p.Command).Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return notReady("%s: exit %d", p.Command, ee.ExitCode())
	}
	if ctx.Err() != nil {
		return notReady("%s: %v", p.Command, ctx.Err())
	}
	return err
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }
