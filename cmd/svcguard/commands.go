package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/svcguard/pkg/client"
)

const (
	defaultAPIURL = client.DefaultBaseURL
	// start and restart block until the child is ready
	defaultActionTimeout = 2 * time.Minute
)

type command struct {
	api  *client.Client
	out  io.Writer
	json bool
}

func newCommand(f RemoteFlags, out io.Writer) (*command, error) {
	timeout := f.APITimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	api, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &command{api: api, out: out, json: f.JSON}, nil
}

// Status prints every service, or one service with its recent output.
func (c *command) Status(ctx context.Context, name string) error {
	if name == "" {
		sts, err := c.api.Services(ctx)
		if err != nil {
			return describe(err)
		}
		if c.json {
			return printJSON(c.out, sts)
		}
		return printStatusTable(c.out, sts)
	}
	d, err := c.api.Service(ctx, name)
	if err != nil {
		return describe(err)
	}
	if c.json {
		return printJSON(c.out, d)
	}
	if err := printStatusTable(c.out, []client.ServiceStatus{d.ServiceStatus}); err != nil {
		return err
	}
	if len(d.Logs) > 0 {
		_, _ = fmt.Fprintln(c.out)
		for _, l := range d.Logs {
			_, _ = fmt.Fprintf(c.out, "[%s] %s\n", l.Stream, l.Text)
		}
	}
	return nil
}

// Action runs start, stop or restart and prints the resulting state.
func (c *command) Action(ctx context.Context, action, name string) error {
	var err error
	switch action {
	case "start":
		err = c.api.Start(ctx, name)
	case "stop":
		err = c.api.Stop(ctx, name)
	case "restart":
		err = c.api.Restart(ctx, name)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, name, describe(err))
	}
	d, err := c.api.Service(ctx, name)
	if err != nil {
		return describe(err)
	}
	if c.json {
		return printJSON(c.out, d.ServiceStatus)
	}
	_, _ = fmt.Fprintf(c.out, "%s: %s\n", name, d.State)
	return nil
}

// describe turns transport failures into a hint about the server.
func describe(err error) error {
	if _, ok := client.AsAPIError(err); ok {
		return err
	}
	return fmt.Errorf("svcguard is not reachable (is `svcguard serve` running?): %w", err)
}

func printStatusTable(w io.Writer, sts []client.ServiceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tHEALTHY\tERROR")
	for _, s := range sts {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		uptime := "-"
		if s.UptimeMS > 0 {
			uptime = s.Uptime().Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			s.Name, s.State, pid, uptime, s.RestartCount, s.Healthy, oneLine(s.LastError))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}
