package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/qudata/browserd/internal/browser"
	"github.com/qudata/browserd/internal/config"
	"github.com/qudata/browserd/internal/domain"
	"github.com/qudata/browserd/internal/network"
	"github.com/qudata/browserd/internal/registry"
	"github.com/qudata/browserd/internal/server"
	"github.com/qudata/browserd/internal/usecase/provision"
)

const lockFileName = "browserd.lock"

// ErrAlreadyRunning is returned by Run when another process holds the lock
// on the data directory.
var ErrAlreadyRunning = errors.New("another browserd process owns the data dir")

// App is the top-level application that wires all subsystems.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	ports    *network.PortAllocator
	registry *registry.Registry
	launcher domain.Launcher
	service  *provision.Service

	httpServer *server.Server
	lock       *flock.Flock
}

// New creates and wires all subsystems around a Chromium launcher.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	launcher := browser.NewLauncher(browser.Config{
		ExecutablePath:  cfg.ChromiumPath,
		InstallBrowsers: cfg.InstallBrowsers,
		DataDir:         filepath.Join(cfg.DataDir, "profiles"),
		LaunchTimeout:   cfg.LaunchTimeout,
	}, logger.With("component", "launcher"))

	return newApp(cfg, logger, launcher)
}

func newApp(cfg *config.Config, logger *slog.Logger, launcher domain.Launcher) (*App, error) {
	ports, err := network.NewPortAllocator(network.PortAllocatorOptions{
		Start:          cfg.PortRangeStart,
		End:            cfg.PortRangeEnd,
		MaxAttempts:    cfg.MaxAttempts,
		ProbeTimeout:   cfg.ProbeTimeout,
		RetryBackoff:   cfg.RetryBackoff,
		StaleThreshold: cfg.StaleThreshold,
	}, logger.With("component", "ports"))
	if err != nil {
		return nil, fmt.Errorf("init port allocator: %w", err)
	}

	reg := registry.New()
	svc := provision.NewService(ports, reg, launcher, provision.Options{
		Mode:     cfg.Mode,
		HostWSIP: cfg.HostWSIP,
	}, logger.With("component", "provision"))

	return &App{
		cfg:        cfg,
		logger:     logger,
		ports:      ports,
		registry:   reg,
		launcher:   launcher,
		service:    svc,
		httpServer: server.New(cfg.Port, cfg.APIToken, svc, logger.With("component", "http")),
	}, nil
}

// Run takes the process lock, serves the API and blocks until the context is
// cancelled or the HTTP server fails. Every browser is closed before it
// returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.acquireLock(); err != nil {
		return err
	}
	defer a.releaseLock()

	if r, ok := a.launcher.(interface{ Resolve() (string, error) }); ok {
		go func() {
			if _, err := r.Resolve(); err != nil {
				a.logger.Warn("chromium not available yet", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Start()
	}()

	a.logger.Info("browserd ready",
		"version", config.Version,
		"port", a.cfg.Port,
		"port_range", fmt.Sprintf("%d-%d", a.cfg.PortRangeStart, a.cfg.PortRangeEnd),
		"mode", string(a.cfg.Mode),
	)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down browserd")
		return a.shutdown()
	case err := <-errCh:
		a.drain()
		if err == nil {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// shutdown stops the HTTP server first so no new requests arrive, then
// closes every browser.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", "err", err)
	}

	a.drain()
	a.logger.Info("browserd stopped")
	return nil
}

func (a *App) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	report := a.service.Shutdown(ctx)
	if report.Failed > 0 || report.Abandoned {
		a.logger.Warn("browsers not closed cleanly",
			"closed", report.Closed,
			"failed", report.Failed,
			"abandoned", report.Abandoned,
		)
	}
}

func (a *App) acquireLock() error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(a.cfg.DataDir, lockFileName)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring file lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	a.lock = fl
	return nil
}

// releaseLock leaves the lock file on disk; removing it could invalidate a
// lock taken by a process that starts in the meantime.
func (a *App) releaseLock() {
	if a.lock == nil {
		return
	}
	if err := a.lock.Close(); err != nil {
		a.logger.Debug("failed to release file lock", "path", a.lock.Path(), "err", err)
	}
	a.lock = nil
}
