package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qudata/browserd/internal/app"
	"github.com/qudata/browserd/internal/config"
	"github.com/qudata/browserd/internal/domain"
)

type serveFlags struct {
	configPath string
	port       int
	portRange  string
	mode       string
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}

	bindServeFlags(cmd, &f)

	return cmd
}

func bindServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "TOML config file (overrides BROWSERD_CONFIG)")
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP listen port")
	cmd.Flags().StringVar(&f.portRange, "port-range", "", "browser port range, e.g. 35555-35655")
	cmd.Flags().StringVar(&f.mode, "mode", "", "deployment mode: local, production or docker")
}

func runServe(cmd *cobra.Command, f serveFlags) error {
	// Load configuration from file and environment variables
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := applyFlags(cmd, cfg, f); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg, "browserd")
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}

	logger.Info("starting browserd",
		"version", config.Version,
		"build_time", config.BuildTime,
		"debug", cfg.Debug,
	)

	// Create context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create app", "err", err)
		return err
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("browserd exited with error", "err", err)
		return err
	}

	logger.Info("browserd stopped cleanly")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f serveFlags) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = f.port
	}
	if flags.Changed("port-range") {
		start, end, err := config.ParsePortRange(f.portRange)
		if err != nil {
			return err
		}
		cfg.PortRangeStart, cfg.PortRangeEnd = start, end
	}
	if flags.Changed("mode") {
		mode, err := domain.ParseDeploymentMode(f.mode)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}
	return cfg.Validate()
}
