//go:build !windows

package probe

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, s string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", s)
}
