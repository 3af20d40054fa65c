package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RemoteFlags select the running supervisor the control commands talk to.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Addr        string
	NoAutoStart bool
	NoWatch     bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	remoteFlags := &RemoteFlags{}
	serveFlags := &ServeFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(remoteFlags),
		createActionCommand("start", "Start a service and wait until it is ready", remoteFlags),
		createActionCommand("stop", "Stop a service", remoteFlags),
		createActionCommand("restart", "Stop and start a service", remoteFlags),
		createInitDataCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svcguard",
		Short: "Supervisor for the embedded API and gateway services",
		Long: `svcguard launches the application API and the messaging gateway as
child processes, waits until they accept work, watches their health and
restarts them after crashes.

Examples:
  svcguard serve --config=svcguard.toml
  svcguard status
  svcguard restart gateway --api-url=http://127.0.0.1:8790/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the supervisor and its control API",
		Long: `Start both services (API first, then gateway) and serve the control API
until SIGINT or SIGTERM. On shutdown every child is stopped and its pidfile
removed.

Examples:
  svcguard serve --config=svcguard.toml
  svcguard serve svcguard.yaml --addr=127.0.0.1:9000
  svcguard serve --no-autostart    # start services later via the API`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, path, *serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serveFlags.Addr, "addr", "", "control API listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&serveFlags.NoAutoStart, "no-autostart", false, "do not start services on launch")
	cmd.Flags().BoolVar(&serveFlags.NoWatch, "no-watch", false, "do not reload when the config file changes")
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "control API URL (default "+defaultAPIURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "request timeout (default: wait for readiness up to 2m)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
}

func createStatusCommand(f *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show service status",
		Long: `Show the status of every supervised service, or the status and the most
recent output of one service.

Examples:
  svcguard status
  svcguard status api
  svcguard status --json --api-url=http://remote:8790/api`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(*f, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return c.Status(cmd.Context(), name)
		},
	}
	addRemoteFlags(cmd, f)
	return cmd
}

func createActionCommand(action, short string, f *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(*f, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return c.Action(cmd.Context(), action, args[0])
		},
	}
	addRemoteFlags(cmd, f)
	return cmd
}

func createInitDataCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-data [config]",
		Short: "Prepare the API data store without starting anything",
		Long: `Copy the bundled template database into place, or run the configured
migration when no template is available. An existing valid store is left
untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runInitData(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
}
