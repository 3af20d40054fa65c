// Package profile describes how one child service is launched and checked.
package profile

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/loykin/svcguard/internal/datastore"
	"github.com/loykin/svcguard/internal/env"
	"github.com/loykin/svcguard/internal/logger"
	"github.com/loykin/svcguard/internal/probe"
	"github.com/loykin/svcguard/internal/restart"
)

const (
	DefaultStartupTimeout     = 30 * time.Second
	DefaultReadyPollInterval  = time.Second
	DefaultSettleDelay        = 500 * time.Millisecond
	DefaultHealthInterval     = 10 * time.Second
	DefaultUnhealthyThreshold = 3
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultPortReleaseTimeout = 5 * time.Second
	DefaultRestartGap         = 2 * time.Second
)

// Profile is the immutable description of one supervised service.
type Profile struct {
	Name    string
	Host    HostContext
	Command CommandSpec
	Env     env.Vars
	// Bind and Port are where the child listens. Port 0 skips reclamation.
	Bind string
	Port int

	Readiness         probe.Spec
	StartupTimeout    time.Duration
	ReadyPollInterval time.Duration
	SettleDelay       time.Duration
	HealthInterval    time.Duration
	// UnhealthyThreshold consecutive failed health probes kill the child.
	// Zero only reports.
	UnhealthyThreshold int
	ShutdownTimeout    time.Duration
	PortReleaseTimeout time.Duration
	RestartGap         time.Duration
	Restart            restart.Policy

	DataStore *datastore.Initializer
	PIDFile   string
	Logs      logger.FileConfig
}

// WithDefaults fills unset timings. UnhealthyThreshold is left alone since
// zero is meaningful.
func (p Profile) WithDefaults() Profile {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&p.StartupTimeout, DefaultStartupTimeout)
	def(&p.ReadyPollInterval, DefaultReadyPollInterval)
	def(&p.SettleDelay, DefaultSettleDelay)
	def(&p.HealthInterval, DefaultHealthInterval)
	def(&p.ShutdownTimeout, DefaultShutdownTimeout)
	def(&p.PortReleaseTimeout, DefaultPortReleaseTimeout)
	def(&p.RestartGap, DefaultRestartGap)
	def(&p.Restart.Delay, restart.DefaultDelay)
	return p
}

func (p Profile) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("profile: name is required"))
	}
	if p.Port < 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("profile %s: port %d out of range", p.Name, p.Port))
	}
	if p.UnhealthyThreshold < 0 {
		errs = append(errs, fmt.Errorf("profile %s: unhealthy threshold must be >= 0", p.Name))
	}
	if p.Restart.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("profile %s: max restart attempts must be >= 0", p.Name))
	}
	if _, err := probe.FromSpec(p.Readiness); err != nil {
		errs = append(errs, fmt.Errorf("profile %s: %w", p.Name, err))
	}
	return errors.Join(errs...)
}

// Probe builds the readiness probe.
func (p Profile) Probe() (probe.Probe, error) {
	return probe.FromSpec(p.Readiness)
}

// Invocation resolves the command for the host's mode.
func (p Profile) Invocation() (Invocation, error) {
	return p.Command.Resolve(p.Host)
}

// EnvList composes the child environment: host env < e.Global < p.Env.
func (p Profile) EnvList(e *env.Env) []string {
	if e == nil {
		e = env.New()
	}
	return e.Merge(p.Env)
}

// BaseURL is the http address other components use to reach the service.
func (p Profile) BaseURL() string {
	return "http://" + net.JoinHostPort(dialHost(p.Bind), strconv.Itoa(p.Port))
}

// dialHost maps wildcard bind addresses to loopback.
func dialHost(h string) string {
	switch h {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return h
}
