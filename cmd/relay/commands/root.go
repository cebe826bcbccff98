package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"cipherrelay/internal/app"
	"cipherrelay/internal/config"
	"cipherrelay/internal/observability/logging"
	"cipherrelay/internal/observability/metrics"
)

const serviceName = "relay"

func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "End-to-end encrypted chat relay",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), pruneCmd(), sweepCmd(), keygenCmd(), signCmd())
	return root
}

// bootstrap loads configuration and builds the application graph.
func bootstrap(ctx context.Context) (*app.App, config.Config, *slog.Logger, error) {
	cfg := config.Load()
	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	slog.SetDefault(logger)
	metrics.MustRegister(serviceName)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return nil, cfg, logger, err
	}
	return a, cfg, logger, nil
}
