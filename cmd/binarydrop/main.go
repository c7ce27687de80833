package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/binarydrop"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot(out io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	c := &command{flags: flags, out: out}

	root := createRootCommand(flags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(flags),
		createCreateCommand(c),
		createDeleteCommand(c),
		createDeployCommand(c),
		createEnvCommand(c),
		createLifecycleCommand("start", "Start a deployed app", c.Start),
		createLifecycleCommand("stop", "Stop a running app", c.Stop),
		createLifecycleCommand("restart", "Restart an app", c.Restart),
		createStatusCommand(c),
		createLogsCommand(c),
		createHealthCommand(c),
		createPolicyCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "binarydrop",
		Short: "Single-node platform for running uploaded binaries",
		Long: `BinaryDrop runs uploaded executables as supervised processes and routes
HTTP traffic to them by subdomain.

Examples:
  binarydrop serve --config=binarydrop.toml
  binarydrop create web
  binarydrop deploy web ./bin/web
  binarydrop start web
  binarydrop status
  binarydrop logs web -f`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "admin API URL (default from config client.base_url)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "request timeout (default from config client.timeout)")
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the daemon",
		Long: `Run the supervisor and the gateway until SIGINT or SIGTERM. Apps that were
running when the daemon last stopped are started again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := binarydrop.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := binarydrop.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.Logger().Info("starting binarydrop", "listen", cfg.Server.Listen, "data_dir", cfg.DataDir)
	err = d.Run(ctx)
	d.Logger().Info("binarydrop stopped")
	return err
}
