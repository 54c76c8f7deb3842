package provision

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qudata/browserd/internal/domain"
	"github.com/qudata/browserd/internal/registry"
)

const (
	DefaultCloseTimeout        = 15 * time.Second
	DefaultShutdownConcurrency = 8
)

// PortAllocator is the subset of network.PortAllocator the service uses.
type PortAllocator interface {
	Acquire(ctx context.Context) (int, error)
	Release(port int)
	Leased() []int
}

type Options struct {
	Mode domain.DeploymentMode
	// HostWSIP replaces the loopback host of endpoints in docker mode.
	HostWSIP string
	// CloseTimeout bounds a single browser close during terminate.
	CloseTimeout        time.Duration
	ShutdownConcurrency int
}

type Service struct {
	ports    PortAllocator
	registry *registry.Registry
	launcher domain.Launcher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func NewService(ports PortAllocator, reg *registry.Registry, launcher domain.Launcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeLocal
	}
	if opts.HostWSIP == "" {
		opts.HostWSIP = "localhost"
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.ShutdownConcurrency <= 0 {
		opts.ShutdownConcurrency = DefaultShutdownConcurrency
	}
	return &Service{
		ports:    ports,
		registry: reg,
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

type CreateResult struct {
	ID       string
	Endpoint string
	Port     int
}

// Create leases a port, launches a browser on it and registers the instance.
// On failure the port is released and any partially started browser closed
// before the error is returned.
func (s *Service) Create(ctx context.Context) (CreateResult, error) {
	if !s.begin() {
		return CreateResult{}, domain.ErrShuttingDown{}
	}
	defer s.inflight.Done()

	port, err := s.ports.Acquire(ctx)
	if err != nil {
		s.logger.Error("port allocation failed", "err", err)
		return CreateResult{}, err
	}

	rollback := func(b domain.Browser) {
		if b != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloseTimeout)
			defer cancel()
			if err := b.Close(closeCtx); err != nil {
				s.logger.Warn("close browser during rollback", "port", port, "err", err)
			}
		}
		s.ports.Release(port)
	}

	browser, err := s.launcher.Launch(ctx, domain.LaunchOptions{
		Port:     port,
		Headless: s.opts.Mode.Headless(),
		Args:     s.opts.Mode.LaunchArgs(),
	})
	if err != nil {
		rollback(browser)
		s.logger.Error("browser launch failed", "port", port, "err", err)
		return CreateResult{}, domain.ErrLaunch{Port: port, Err: err}
	}

	inst := &domain.Instance{
		ID:        uuid.NewString(),
		Port:      port,
		Endpoint:  RewriteEndpoint(browser.Endpoint(), s.opts.Mode, s.opts.HostWSIP),
		Status:    domain.StatusRunning,
		CreatedAt: s.now(),
		Browser:   browser,
	}

	if !s.register(inst) {
		rollback(browser)
		s.logger.Warn("discarded browser launched during shutdown", "port", port)
		return CreateResult{}, domain.ErrShuttingDown{}
	}

	s.logger.Info("instance created",
		"id", inst.ID,
		"port", inst.Port,
		"endpoint", inst.Endpoint,
		"mode", string(s.opts.Mode),
	)
	return CreateResult{ID: inst.ID, Endpoint: inst.Endpoint, Port: inst.Port}, nil
}

type TerminateResult struct {
	ID   string
	Port int
	// CloseErr is a domain.ErrClose when the browser did not exit cleanly.
	// The port is released regardless.
	CloseErr error
}

// Terminate removes the instance, closes its browser and releases its port.
func (s *Service) Terminate(ctx context.Context, id string) (TerminateResult, error) {
	inst, ok := s.registry.Remove(id)
	if !ok {
		s.logger.Warn("instance not found", "id", id)
		return TerminateResult{}, domain.ErrInstanceNotFound{ID: id}
	}
	inst.Status = domain.StatusTerminating
	s.logger.Info("closing instance", "id", id, "port", inst.Port)

	res := TerminateResult{ID: id, Port: inst.Port}
	if err := s.closeInstance(context.WithoutCancel(ctx), inst); err != nil {
		res.CloseErr = err
	}
	s.ports.Release(inst.Port)

	s.logger.Info("instance closed", "id", id, "port", inst.Port)
	return res, nil
}

type Snapshot struct {
	IDs   []string
	Ports []int
}

func (s *Service) List() Snapshot {
	return Snapshot{
		IDs:   s.registry.IDs(),
		Ports: s.ports.Leased(),
	}
}

type HealthReport struct {
	Status         string
	ActiveContexts int
	UsedPorts      int
	Timestamp      time.Time
}

func (s *Service) Health() HealthReport {
	return HealthReport{
		Status:         "healthy",
		ActiveContexts: s.registry.Len(),
		UsedPorts:      len(s.ports.Leased()),
		Timestamp:      s.now().UTC(),
	}
}

// Closing reports whether Shutdown has started.
func (s *Service) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// register publishes inst unless shutdown has begun. Shutdown flips closing
// under the same lock, so every registered instance is seen by its drain.
func (s *Service) register(inst *domain.Instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.registry.Put(inst)
	return true
}

func (s *Service) closeInstance(ctx context.Context, inst *domain.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CloseTimeout)
	defer cancel()

	if err := inst.Browser.Close(ctx); err != nil {
		closeErr := domain.ErrClose{ID: inst.ID, Err: err}
		s.logger.Warn("browser did not close cleanly", "id", inst.ID, "port", inst.Port, "err", err)
		return closeErr
	}
	return nil
}
