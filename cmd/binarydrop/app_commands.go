package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/binarydrop/pkg/client"
)

func createCreateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new app",
		Long: `Register a new app and assign it a port. Names are 1-64 characters of
lowercase letters, digits, '-' and '_'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Create(cmd.Context(), args[0])
		},
	}
}

func createDeleteCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stopped app with its files and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), args[0])
		},
	}
}

func createDeployCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <name> <binary>",
		Short: "Upload a new binary",
		Long: `Upload an executable for the app. Uploading the binary that is already
deployed is a no-op; a new binary for a running app restarts it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deploy(cmd.Context(), args[0], args[1])
		},
	}
}

func createEnvCommand(c *command) *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:   "env <name> [key] [value]",
		Short: "Show or change an app's environment",
		Long: `Without a key, print the app environment. With key and value, set it.
With --delete, remove the key. PORT, APP_NAME and DATA_DIR are reserved.

Changes apply on the next start.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key, value string
			if len(args) > 1 {
				key = args[1]
			}
			if len(args) > 2 {
				value = args[2]
			}
			if key == "" && unset {
				return fmt.Errorf("--delete requires a key")
			}
			if key != "" && !unset && len(args) < 3 {
				return fmt.Errorf("value required for %s (use --delete to remove it)", key)
			}
			return c.Env(cmd.Context(), args[0], key, value, unset)
		},
	}
	cmd.Flags().BoolVar(&unset, "delete", false, "remove the key")
	return cmd
}

func createLifecycleCommand(use, short string, run func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name...]",
		Short: "Show app status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args)
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print an app's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), args[0], lines, follow)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

// HealthFlags mirrors client.HealthCheck for the health set command.
type HealthFlags struct {
	Type            string
	Path            string
	ExpectedStatus  int
	Command         string
	Args            []string
	SuccessExitCode int
	Interval        int
	Timeout         int
	Retries         int
	StartPeriod     int
}

func (f HealthFlags) check() client.HealthCheck {
	return client.HealthCheck{
		Type:            f.Type,
		Path:            f.Path,
		ExpectedStatus:  f.ExpectedStatus,
		Command:         f.Command,
		Args:            f.Args,
		SuccessExitCode: f.SuccessExitCode,
		Interval:        f.Interval,
		Timeout:         f.Timeout,
		Retries:         f.Retries,
		StartPeriod:     f.StartPeriod,
	}
}

func createHealthCommand(c *command) *cobra.Command {
	health := &cobra.Command{
		Use:   "health",
		Short: "Manage app health checks",
	}

	hf := &HealthFlags{}
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Configure the health check",
		Long: `Configure the periodic health check. Durations are in seconds; zero values
take the defaults (interval 30, timeout 5, retries 3).

Examples:
  binarydrop health set web --path=/healthz
  binarydrop health set worker --type=tcp --interval=10
  binarydrop health set job --type=command --command=./check.sh`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HealthSet(cmd.Context(), args[0], hf.check())
		},
	}
	set.Flags().StringVar(&hf.Type, "type", "http", "check type: http, tcp or command")
	set.Flags().StringVar(&hf.Path, "path", "/", "HTTP path")
	set.Flags().IntVar(&hf.ExpectedStatus, "expected-status", 200, "expected HTTP status")
	set.Flags().StringVar(&hf.Command, "command", "", "command to run for type=command")
	set.Flags().StringSliceVar(&hf.Args, "args", nil, "command arguments")
	set.Flags().IntVar(&hf.SuccessExitCode, "success-exit-code", 0, "command exit code meaning healthy")
	set.Flags().IntVar(&hf.Interval, "interval", 0, "seconds between checks")
	set.Flags().IntVar(&hf.Timeout, "timeout", 0, "seconds before a check fails")
	set.Flags().IntVar(&hf.Retries, "retries", 0, "consecutive failures before restart")
	set.Flags().IntVar(&hf.StartPeriod, "start-period", 0, "seconds after start before the first check")

	clearCmd := &cobra.Command{
		Use:   "clear <name>",
		Short: "Remove the health check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HealthClear(cmd.Context(), args[0])
		},
	}
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run the health check once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HealthRun(cmd.Context(), args[0])
		},
	}
	health.AddCommand(set, clearCmd, run)
	return health
}

func createPolicyCommand(c *command) *cobra.Command {
	var (
		maxRestarts int
		unlimited   bool
	)
	cmd := &cobra.Command{
		Use:   "policy <name> <always|on-failure|never>",
		Short: "Change the restart policy",
		Long: `Change the restart policy. The current restart limit is kept unless
--max-restarts or --unlimited is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := keepLimit
			switch {
			case unlimited:
				limit = noLimit
			case cmd.Flags().Changed("max-restarts"):
				limit = func(*client.App) *int { return &maxRestarts }
			}
			return c.Policy(cmd.Context(), args[0], args[1], limit)
		},
	}
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 0, "automatic restart limit (0 disables automatic restarts)")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "remove the restart limit")
	return cmd
}
