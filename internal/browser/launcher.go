package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/qudata/browserd/internal/domain"
)

const (
	DefaultLaunchTimeout = 30 * time.Second

	pollWaitMin    = 100 * time.Millisecond
	pollWaitMax    = 500 * time.Millisecond
	pollReqTimeout = 2 * time.Second
)

// ErrExitedEarly is returned when Chromium exits before DevTools is ready.
var ErrExitedEarly = errors.New("chromium exited before devtools became ready")

type Config struct {
	// ExecutablePath overrides Playwright-based resolution when set.
	ExecutablePath string
	// InstallBrowsers downloads Playwright's Chromium on first use.
	InstallBrowsers bool
	// DataDir holds the per-instance profile directories.
	DataDir       string
	LaunchTimeout time.Duration
}

// Launcher starts Chromium processes. It implements domain.Launcher.
type Launcher struct {
	cfg     Config
	logger  *slog.Logger
	http    *retryablehttp.Client
	resolve func() (string, error)

	once   sync.Once
	exe    string
	exeErr error
}

func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "browserd")
	}

	client := retryablehttp.NewClient()
	client.RetryWaitMin = pollWaitMin
	client.RetryWaitMax = pollWaitMax
	// The launch context bounds polling, not the retry count.
	client.RetryMax = int(cfg.LaunchTimeout/pollWaitMin) + 1
	client.HTTPClient.Timeout = pollReqTimeout
	// Connection refused is expected until Chromium is listening.
	client.Logger = nil

	l := &Launcher{
		cfg:    cfg,
		logger: logger,
		http:   client,
	}
	l.resolve = l.resolveExecutable
	return l
}

// Launch starts Chromium bound to opts.Port and blocks until its DevTools
// websocket endpoint is known. On failure nothing is left running.
func (l *Launcher) Launch(ctx context.Context, opts domain.LaunchOptions) (domain.Browser, error) {
	exe, err := l.executable()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", l.cfg.DataDir, err)
	}
	userDataDir, err := os.MkdirTemp(l.cfg.DataDir, "chromium-"+strconv.Itoa(opts.Port)+"-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(exe, chromiumArgs(opts, userDataDir)...)
	stderr, err := os.Create(filepath.Join(userDataDir, "browserd-stderr.log"))
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()
	cmd.Stderr = stderr

	p, err := startProcess(cmd, opts.Port, userDataDir, l.logger)
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, err
	}

	l.logger.Debug("chromium started", "pid", p.PID(), "port", opts.Port, "headless", opts.Headless)

	endpoint, err := l.waitForEndpoint(ctx, p)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), termGracePeriod+killDrainTimeout)
		defer cancel()
		if closeErr := p.Close(closeCtx); closeErr != nil {
			l.logger.Warn("close chromium after failed launch", "port", opts.Port, "err", closeErr)
		}
		return nil, err
	}
	p.endpoint = endpoint

	l.logger.Info("chromium ready", "pid", p.PID(), "port", opts.Port, "endpoint", endpoint)
	return p, nil
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitForEndpoint polls /json/version until Chromium answers, the launch
// timeout expires, or the process exits.
func (l *Launcher) waitForEndpoint(ctx context.Context, p *process) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	go func() {
		select {
		case <-p.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", p.port)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build devtools request: %w", err)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		if p.Exited() {
			return "", fmt.Errorf("port %d: %w: %v", p.port, ErrExitedEarly, p.waitErr)
		}
		return "", fmt.Errorf("wait for devtools on port %d: %w", p.port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools on port %d answered %s", p.port, resp.Status)
	}

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools on port %d reported no websocket endpoint", p.port)
	}
	return info.WebSocketDebuggerURL, nil
}

func (l *Launcher) executable() (string, error) {
	l.once.Do(func() {
		l.exe, l.exeErr = l.resolve()
		if l.exeErr == nil {
			l.logger.Info("using chromium executable", "path", l.exe)
		}
	})
	return l.exe, l.exeErr
}

func (l *Launcher) resolveExecutable() (string, error) {
	if l.cfg.ExecutablePath != "" {
		if _, err := os.Stat(l.cfg.ExecutablePath); err != nil {
			return "", fmt.Errorf("chromium executable %s: %w", l.cfg.ExecutablePath, err)
		}
		return l.cfg.ExecutablePath, nil
	}
	return PlaywrightExecutable(l.cfg.InstallBrowsers)
}

func chromiumArgs(opts domain.LaunchOptions, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(opts.Port),
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, opts.Args...)
	return append(args, "about:blank")
}

// Resolve locates the Chromium executable ahead of the first launch so that
// a missing browser is reported at startup.
func (l *Launcher) Resolve() (string, error) {
	return l.executable()
}
