// Package cmd defines the receipts command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/app"
	"github.com/JakeFAU/receipts/internal/config"
	"github.com/JakeFAU/receipts/internal/logging"
)

// Runner is the application surface the command drives. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context) error
	Close()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger is swapped in tests to keep output quiet.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Archive social media statuses as they are posted.",
		Long: `receipts watches the live status stream for tracked terms or followed
accounts and keeps a permanent local copy of every matching status, optionally
with a screen grab of the rendered page.`,
		Example: `  receipts -t golang -t "#gophercon"
  receipts -f @golang --image --archive /var/lib/receipts`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development, cfg.Verbose)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() {
				// Sync fails on stdout for some terminals; nothing useful to do with it.
				_ = logger.Sync()
			}()
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()

			logger.Info("archiving statuses",
				zap.Strings("track", cfg.Track),
				zap.Strings("follow", cfg.Follow),
				zap.Bool("image", cfg.Image),
				zap.String("archive", cfg.Archive),
			)
			if err := a.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceP("track", "t", nil, "term to track; repeat or comma-separate for more")
	flags.StringSliceP("follow", "f", nil, "account handle to follow; repeat or comma-separate for more")
	flags.Bool("image", false, "also save a screen grab of each status")
	flags.String("archive", "receipts", "archive directory")
	flags.BoolP("verbose", "v", false, "log every accepted and discarded stream event")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./receipts.yaml or $HOME/.receipts/receipts.yaml)")

	return cmd
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
