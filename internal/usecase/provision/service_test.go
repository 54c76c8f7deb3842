package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qudata/browserd/internal/domain"
	"github.com/qudata/browserd/internal/network"
	"github.com/qudata/browserd/internal/registry"
)

type fakeBrowser struct {
	endpoint string
	closeErr error
	closed   atomic.Int32
}

func (b *fakeBrowser) Endpoint() string { return b.endpoint }
func (b *fakeBrowser) PID() int { return 4242 }

func (b *fakeBrowser) Close(context.Context) error {
	b.closed.Add(1)
	return b.closeErr
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []domain.LaunchOptions
	browsers map[int]*fakeBrowser

	err      error
	partial  bool
	closeErr error
	// gate, when set, blocks Launch until it is closed.
	gate    chan struct{}
	started chan int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{browsers: make(map[int]*fakeBrowser)}
}

func (l *fakeLauncher) Launch(_ context.Context, opts domain.LaunchOptions) (domain.Browser, error) {
	l.mu.Lock()
	l.launched = append(l.launched, opts)
	b := &fakeBrowser{
		endpoint: fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/abc", opts.Port),
		closeErr: l.closeErr,
	}
	l.browsers[opts.Port] = b
	gate, started, err, partial := l.gate, l.started, l.err, l.partial
	l.mu.Unlock()

	if started != nil {
		started <- opts.Port
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		if partial {
			return b, err
		}
		return nil, err
	}
	return b, nil
}

func (l *fakeLauncher) browser(port int) *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.browsers[port]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type fixture struct {
	svc      *Service
	ports    *network.PortAllocator
	registry *registry.Registry
	launcher *fakeLauncher
}

func newFixture(t *testing.T, start, end int, opts Options) *fixture {
	t.Helper()
	ports, err := network.NewPortAllocator(network.PortAllocatorOptions{
		Start:        start,
		End:          end,
		RetryBackoff: time.Millisecond,
		Probe:        func(context.Context, int) bool { return true },
	}, nil)
	require.NoError(t, err)

	reg := registry.New()
	launcher := newFakeLauncher()
	return &fixture{
		svc:      NewService(ports, reg, launcher, opts, nil),
		ports:    ports,
		registry: reg,
		launcher: launcher,
	}
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{Mode: domain.ModeProduction})

	res, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	_, err = uuid.Parse(res.ID)
	assert.NoError(t, err, "id is a uuid")
	assert.Equal(t, 35555, res.Port)
	assert.Equal(t, "ws://localhost:35555/devtools/browser/abc", res.Endpoint)

	inst, ok := f.registry.Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRunning, inst.Status)
	assert.Equal(t, res.Endpoint, inst.Endpoint)
	assert.Equal(t, []int{35555}, f.ports.Leased())

	require.Equal(t, 1, f.launcher.launches())
	opts := f.launcher.launched[0]
	assert.True(t, opts.Headless)
	assert.Contains(t, opts.Args, "--no-sandbox")
}

func TestService_CreateDockerEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35555, Options{Mode: domain.ModeDocker, HostWSIP: "10.0.0.7"})

	res, err := f.svc.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.7:35555/devtools/browser/abc", res.Endpoint)
}

func TestService_CreateLaunchFailure(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		partial bool
	}{
		"no handle returned":      {partial: false},
		"partial handle returned": {partial: true},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 35555, 35560, Options{})
			f.launcher.err = errors.New("chromium crashed")
			f.launcher.partial = tc.partial

			_, err := f.svc.Create(context.Background())
			require.Error(t, err)

			var launchErr domain.ErrLaunch
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, 35555, launchErr.Port)
			assert.Contains(t, err.Error(), "chromium crashed")

			assert.Empty(t, f.ports.Leased(), "port released after failed launch")
			assert.Zero(t, f.registry.Len())

			closes := f.launcher.browser(35555).closed.Load()
			if tc.partial {
				assert.Equal(t, int32(1), closes, "partial browser closed")
			} else {
				assert.Zero(t, closes)
			}
		})
	}
}

func TestService_CreatePoolExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35555, Options{})
	_, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background())
	var exhausted domain.ErrPoolExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, f.launcher.launches(), "launcher not called without a port")
	assert.Equal(t, 1, f.registry.Len())
}

// Six ports, six creates; the seventh fails; a terminate frees a port that
// the next create reuses.
func TestService_PortRangeScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	ctx := context.Background()

	byPort := make(map[int]string)
	for want := 35555; want <= 35560; want++ {
		res, err := f.svc.Create(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, res.Port)
		byPort[res.Port] = res.ID
	}

	_, err := f.svc.Create(ctx)
	var exhausted domain.ErrPoolExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, err.Error(), "no free port in range 35555-35560")

	res, err := f.svc.Terminate(ctx, byPort[35557])
	require.NoError(t, err)
	assert.NoError(t, res.CloseErr)
	assert.Equal(t, 35557, res.Port)

	again, err := f.svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 35557, again.Port)
	assert.Len(t, f.svc.List().IDs, 6)
}

func TestService_ConcurrentCreates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})

	var wg sync.WaitGroup
	results := make(chan CreateResult, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Create(context.Background())
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	ports := make(map[int]bool)
	ids := make(map[string]bool)
	for res := range results {
		assert.False(t, ports[res.Port], "port %d handed out twice", res.Port)
		assert.False(t, ids[res.ID])
		ports[res.Port] = true
		ids[res.ID] = true
	}
	assert.Len(t, ports, 6)
	assert.ElementsMatch(t, f.registry.Ports(), f.ports.Leased())
}

func TestService_Terminate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	ctx := context.Background()

	created, err := f.svc.Create(ctx)
	require.NoError(t, err)

	res, err := f.svc.Terminate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, res.ID)
	assert.NoError(t, res.CloseErr)

	assert.Equal(t, int32(1), f.launcher.browser(created.Port).closed.Load())
	assert.Empty(t, f.ports.Leased())
	_, ok := f.registry.Get(created.ID)
	assert.False(t, ok)

	_, err = f.svc.Terminate(ctx, created.ID)
	var notFound domain.ErrInstanceNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, created.ID, notFound.ID)
}

func TestService_TerminateUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	_, err = f.svc.Terminate(context.Background(), "nope")
	assert.ErrorAs(t, err, &domain.ErrInstanceNotFound{})

	assert.Equal(t, []int{created.Port}, f.ports.Leased(), "leases untouched")
	assert.Equal(t, []string{created.ID}, f.registry.IDs(), "registry untouched")
	assert.Zero(t, f.launcher.browser(created.Port).closed.Load())
}

func TestService_TerminateCloseFailureStillReleases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	f.launcher.closeErr = errors.New("zombie")
	ctx := context.Background()

	created, err := f.svc.Create(ctx)
	require.NoError(t, err)

	res, err := f.svc.Terminate(ctx, created.ID)
	require.NoError(t, err, "close failure does not fail terminate")

	var closeErr domain.ErrClose
	require.ErrorAs(t, res.CloseErr, &closeErr)
	assert.Equal(t, created.ID, closeErr.ID)
	assert.Empty(t, f.ports.Leased())
	assert.Zero(t, f.registry.Len())
}

func TestService_ConcurrentTerminateSameID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	var ok, missing atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Terminate(context.Background(), created.ID)
			if err == nil {
				ok.Add(1)
				return
			}
			missing.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), missing.Load())
	assert.Equal(t, int32(1), f.launcher.browser(created.Port).closed.Load())
}

func TestService_ListAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	empty := f.svc.List()
	assert.NotNil(t, empty.IDs)
	assert.Empty(t, empty.IDs)

	a, err := f.svc.Create(context.Background())
	require.NoError(t, err)
	b, err := f.svc.Create(context.Background())
	require.NoError(t, err)

	snap := f.svc.List()
	assert.ElementsMatch(t, []string{a.ID, b.ID}, snap.IDs)
	assert.Equal(t, []int{35555, 35556}, snap.Ports)

	h := f.svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.ActiveContexts)
	assert.Equal(t, 2, h.UsedPorts)
	assert.Equal(t, fixed, h.Timestamp)
}

func TestService_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{ShutdownConcurrency: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.svc.Create(ctx)
		require.NoError(t, err)
	}
	f.launcher.browser(35556).closeErr = errors.New("stuck")

	report := f.svc.Shutdown(ctx)
	assert.Equal(t, 3, report.Closed)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Abandoned)

	for port := 35555; port <= 35558; port++ {
		assert.Equal(t, int32(1), f.launcher.browser(port).closed.Load(), "port %d closed", port)
	}
	assert.Empty(t, f.ports.Leased())
	assert.Zero(t, f.registry.Len())

	_, err := f.svc.Create(ctx)
	assert.ErrorAs(t, err, &domain.ErrShuttingDown{})
	assert.True(t, f.svc.Closing())
}

func TestService_ShutdownWaitsForInflightCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	f.launcher.gate = make(chan struct{})
	f.launcher.started = make(chan int, 1)

	createErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Create(context.Background())
		createErr <- err
	}()
	port := <-f.launcher.started

	reportCh := make(chan ShutdownReport, 1)
	go func() {
		reportCh <- f.svc.Shutdown(context.Background())
	}()
	require.Eventually(t, f.svc.Closing, time.Second, time.Millisecond)

	select {
	case <-reportCh:
		t.Fatal("shutdown returned while a create was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(f.launcher.gate)

	err := <-createErr
	assert.ErrorAs(t, err, &domain.ErrShuttingDown{})

	report := <-reportCh
	assert.Zero(t, report.Closed)
	assert.False(t, report.Abandoned)
	assert.Equal(t, int32(1), f.launcher.browser(port).closed.Load(), "late browser rolled back")
	assert.Empty(t, f.ports.Leased())
	assert.Zero(t, f.registry.Len())
}

func TestService_ShutdownDeadlineAbandonsInflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 35555, 35560, Options{})
	f.launcher.gate = make(chan struct{})
	f.launcher.started = make(chan int, 1)

	createErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Create(context.Background())
		createErr <- err
	}()
	<-f.launcher.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report := f.svc.Shutdown(ctx)
	assert.True(t, report.Abandoned)

	close(f.launcher.gate)
	assert.ErrorAs(t, <-createErr, &domain.ErrShuttingDown{})
	assert.Empty(t, f.ports.Leased())
}
