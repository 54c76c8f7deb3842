package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/qudata/browserd/internal/domain"
)

const (
	DefaultMaxAttempts    = 5
	DefaultProbeTimeout   = time.Second
	DefaultRetryBackoff   = 100 * time.Millisecond
	DefaultStaleThreshold = 30 * time.Second
)

// ProbeFunc reports whether a port can be bound on the host right now.
type ProbeFunc func(ctx context.Context, port int) bool

type PortAllocatorOptions struct {
	Start          int
	End            int
	MaxAttempts    int
	ProbeTimeout   time.Duration
	RetryBackoff   time.Duration
	StaleThreshold time.Duration

	// Probe and Now default to TCPProbe and time.Now.
	Probe ProbeFunc
	Now   func() time.Time
}

// PortAllocator leases ports from an inclusive range. A port is handed out
// only if it is not leased and a live bind probe succeeds.
//
// The mutex guards the lease table only. Probes run without it, so a port is
// re-checked under the lock before it is marked leased.
type PortAllocator struct {
	start       int
	end         int
	maxAttempts int
	backoff     time.Duration
	staleAfter  time.Duration
	probe       ProbeFunc
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.Mutex
	leases map[int]time.Time
}

// NewPortAllocator creates an allocator for [opts.Start, opts.End].
func NewPortAllocator(opts PortAllocatorOptions, logger *slog.Logger) (*PortAllocator, error) {
	if opts.Start < 1 || opts.End > 65535 || opts.Start > opts.End {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.Start, opts.End)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Probe == nil {
		opts.Probe = TCPProbe(opts.ProbeTimeout)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &PortAllocator{
		start:       opts.Start,
		end:         opts.End,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		staleAfter:  opts.StaleThreshold,
		probe:       opts.Probe,
		now:         opts.Now,
		logger:      logger,
		leases:      make(map[int]time.Time),
	}, nil
}

// Acquire leases the lowest free port in the range.
//
// Every attempt scans the whole range in ascending order. When a scan finds
// nothing, Acquire sleeps for the retry backoff and then force-releases
// leases older than the stale threshold before scanning again. After the
// last attempt it returns domain.ErrPoolExhausted.
func (a *PortAllocator) Acquire(ctx context.Context) (int, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("acquire port: %w", err)
		}

		if port, ok := a.scan(ctx); ok {
			a.logger.Info("port leased", "port", port, "attempt", attempt)
			return port, nil
		}

		if attempt == a.maxAttempts {
			break
		}

		a.logger.Debug("no free port, retrying",
			"attempt", attempt,
			"backoff", a.backoff.String(),
		)

		timer := time.NewTimer(a.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("acquire port: %w", ctx.Err())
		case <-timer.C:
		}

		a.reclaimStale()
	}

	return 0, domain.ErrPoolExhausted{Start: a.start, End: a.end, Attempts: a.maxAttempts}
}

// Release drops the lease on port. Unknown or unleased ports are ignored.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	_, ok := a.leases[port]
	delete(a.leases, port)
	a.mu.Unlock()

	if ok {
		a.logger.Info("port released", "port", port)
	}
}

// Leased returns the currently leased ports in ascending order.
func (a *PortAllocator) Leased() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.leases))
	for p := range a.leases {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

func (a *PortAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

func (a *PortAllocator) Range() (start, end int) {
	return a.start, a.end
}

func (a *PortAllocator) scan(ctx context.Context) (int, bool) {
	for port := a.start; port <= a.end; port++ {
		if a.isLeased(port) {
			continue
		}
		if !a.probe(ctx, port) {
			a.logger.Debug("port busy on host", "port", port)
			continue
		}
		if a.tryLease(port) {
			return port, true
		}
	}
	return 0, false
}

func (a *PortAllocator) isLeased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.leases[port]
	return ok
}

// tryLease marks port leased unless another caller leased it while it was
// being probed.
func (a *PortAllocator) tryLease(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.leases[port]; ok {
		return false
	}
	a.leases[port] = a.now()
	return true
}

func (a *PortAllocator) reclaimStale() int {
	now := a.now()

	a.mu.Lock()
	var reclaimed []int
	for port, leasedAt := range a.leases {
		if now.Sub(leasedAt) > a.staleAfter {
			delete(a.leases, port)
			reclaimed = append(reclaimed, port)
		}
	}
	a.mu.Unlock()

	for _, port := range reclaimed {
		a.logger.Warn("reclaimed stale port lease", "port", port, "threshold", a.staleAfter.String())
	}
	return len(reclaimed)
}

// TCPProbe returns a ProbeFunc that binds the port on all interfaces and
// closes the listener immediately. A bind error or timeout counts as busy.
func TCPProbe(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, port int) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return false
		}
		_ = l.Close()
		return true
	}
}
