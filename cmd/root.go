// Package cmd defines the CLI commands for the callrelay executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/callrelay/internal/app"
	"github.com/JakeFAU/callrelay/internal/config"
)

var cfgFile string

// Runner is the running service as seen by the run command.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. Tests replace it to avoid launching a
// browser or dialing Telegram.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callrelay",
		Short: "Relays call recordings from a call-tracking dashboard to Telegram.",
		Long: `callrelay keeps a logged-in browser session on a call-tracking dashboard,
detects new call rows, waits for each recording to finish, and forwards it
to a Telegram chat with a caption. Operators receive connection alerts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newProbeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
