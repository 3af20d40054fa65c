// Package probe decides whether a freshly spawned child is accepting work.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Probe is a readiness strategy. Check returns nil when the target is ready.
// Implementations are stateless and safe for concurrent use.
type Probe interface {
	Check(ctx context.Context) error
	Describe() string
}

// ErrNotReady wraps every negative probe result so callers can tell
// "not yet" apart from a misconfigured probe.
var ErrNotReady = errors.New("not ready")

// Spec is the serializable form of a probe, as it appears in configuration.
type Spec struct {
	Type    string        `json:"type" mapstructure:"type"` // http, tcp or command
	URL     string        `json:"url,omitempty" mapstructure:"url"`
	Method  string        `json:"method,omitempty" mapstructure:"method"`
	Host    string        `json:"host,omitempty" mapstructure:"host"`
	Port    int           `json:"port,omitempty" mapstructure:"port"`
	Command string        `json:"command,omitempty" mapstructure:"command"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// FromSpec builds the probe described by s.
func FromSpec(s Spec) (Probe, error) {
	switch strings.ToLower(s.Type) {
	case "http", "https":
		if s.URL == "" {
			return nil, fmt.Errorf("http probe: url is required")
		}
		return HTTPProbe{URL: s.URL, Method: s.Method, Timeout: s.Timeout}, nil
	case "tcp", "":
		if s.Port <= 0 {
			return nil, fmt.Errorf("tcp probe: port is required")
		}
		return TCPProbe{Host: s.Host, Port: s.Port, Timeout: s.Timeout}, nil
	case "command", "cmd":
		if strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("command probe: command is required")
		}
		return CommandProbe{Command: s.Command, Timeout: s.Timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", s.Type)
	}
}

func notReady(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotReady}, args...)...)
}

func attemptContext(ctx context.Context, d, def time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = def
	}
	return context.WithTimeout(ctx, d)
}
