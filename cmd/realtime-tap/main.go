// Command realtime-tap connects to a realtime event server, keeps the
// configured channels subscribed across reconnects and prints or journals
// the routed messages.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/realtime-client/internal/config"
	"github.com/rickgao/realtime-client/internal/router"
	"github.com/rickgao/realtime-client/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "realtime-tap",
		Short:        "Tap a realtime event stream",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		printTypes []string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and stream events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger.Info("starting realtime-tap",
				"version", version.Version,
				"commit", version.Commit,
				"config", configPath,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := runOptions{Out: cmd.OutOrStdout(), PrintTypes: printTypes}
			if quiet {
				opts.PrintTypes = nil
			}
			return run(ctx, cfg, logger, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/realtime-tap.yaml", "path to config file")
	cmd.Flags().StringSliceVar(&printTypes, "print", []string{
		router.TypeMarketData,
		router.TypeSignal,
		router.TypeNotification,
		router.TypePortfolio,
		router.TypeError,
	}, "message types printed to stdout")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print messages")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
