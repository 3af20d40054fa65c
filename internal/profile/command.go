package profile

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

var ErrNoCommand = errors.New("no command configured for mode")

// Invocation is a fully resolved command line.
type Invocation struct {
	Path    string
	Args    []string
	WorkDir string
}

func (i Invocation) String() string {
	return strings.TrimSpace(i.Path + " " + strings.Join(i.Args, " "))
}

// CommandSpec holds the dev and packaged variants of a service command.
type CommandSpec struct {
	Dev      Invocation
	Packaged Invocation
}

// Resolve picks the invocation for h.Mode, expands host placeholders and
// locates a bare program name through the cached tools or PATH.
func (c CommandSpec) Resolve(h HostContext) (Invocation, error) {
	inv := c.Dev
	if h.Mode == ModePackaged {
		inv = c.Packaged
	}
	if inv.Path == "" {
		return Invocation{}, fmt.Errorf("%w %s", ErrNoCommand, h.Mode)
	}
	out := Invocation{
		Path:    h.Expand(inv.Path),
		WorkDir: h.Expand(inv.WorkDir),
		Args:    make([]string, len(inv.Args)),
	}
	for i, a := range inv.Args {
		out.Args[i] = h.Expand(a)
	}
	if !strings.ContainsRune(out.Path, filepath.Separator) && !strings.ContainsRune(out.Path, '/') {
		if p, ok := h.Tool(out.Path); ok {
			out.Path = p
		} else if p, err := exec.LookPath(out.Path); err == nil {
			out.Path = p
		} else {
			return Invocation{}, fmt.Errorf("resolve %q: %w", out.Path, err)
		}
	}
	if out.WorkDir == "" {
		out.WorkDir = h.ResourcesDir
	}
	return out, nil
}
