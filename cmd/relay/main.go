package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/medichat/relay/internal/directory"
	"github.com/medichat/relay/internal/server"
	"github.com/medichat/relay/pkg/config"
	"github.com/medichat/relay/pkg/logging"
)

var (
	cfgFile string
	address string
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Presence-and-relay server for the medical chat clients",
	Long: `relay accepts TCP connections from the chat clients, tracks which
users are online, forwards chat and match messages between pairs of users and
broadcasts presence changes to everyone connected.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "relay", "config file name (without extension), searched in the working directory")
	rootCmd.Flags().StringVar(&address, "address", "", "TCP listen address, overrides the configured one")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(logger, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if address != "" {
		cfg.Server.Address = address
	}

	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	users, err := newResolver(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := users.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, users)
	if err := app.Run(); err != nil {
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func newResolver(cfg *config.Config, logger *slog.Logger) (directory.Resolver, error) {
	switch cfg.Directory.Driver {
	case "sqlite":
		return directory.OpenSQLite(cfg.Directory.DSN, logger)
	case "static":
		return directory.NewStatic(), nil
	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Directory.Driver)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
}
