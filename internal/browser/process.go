package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// termGracePeriod is how long Chromium gets to exit after SIGTERM before
// SIGKILL is sent.
const termGracePeriod = 5 * time.Second

// killDrainTimeout bounds the wait for cmd.Wait after SIGKILL.
const killDrainTimeout = 10 * time.Second

// process is a started Chromium. It implements domain.Browser.
type process struct {
	cmd         *exec.Cmd
	port        int
	userDataDir string
	endpoint    string
	logger      *slog.Logger

	// exited is closed once cmd.Wait returns; waitErr is written before.
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// startProcess starts cmd and the single goroutine that waits on it.
func startProcess(cmd *exec.Cmd, port int, userDataDir string, logger *slog.Logger) (*process, error) {
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start chromium: %w", err)
	}

	p := &process{
		cmd:         cmd,
		port:        port,
		userDataDir: userDataDir,
		logger:      logger,
		exited:      make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) Endpoint() string {
	return p.endpoint
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

// Exited reports whether the process has already terminated.
func (p *process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Close stops the process and removes its profile directory. Only the first
// call does any work; later calls return the same result.
func (p *process) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		stopErr := p.stop(ctx)
		var rmErr error
		if p.userDataDir != "" {
			if err := os.RemoveAll(p.userDataDir); err != nil {
				rmErr = fmt.Errorf("remove profile dir: %w", err)
			}
		}
		p.closeErr = errors.Join(stopErr, rmErr)
	})
	return p.closeErr
}

// stop runs SIGTERM, then SIGKILL after the grace period, and waits for the
// process to exit. Cancelling ctx skips the rest of the grace period.
func (p *process) stop(ctx context.Context) error {
	if p.Exited() {
		return expectSignalExit(p.waitErr)
	}

	pid := p.PID()
	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
		if !drain(p.exited, killDrainTimeout) {
			return fmt.Errorf("chromium pid %d: timed out after signal failure: %w", pid, err)
		}
		return expectSignalExit(p.waitErr)
	}

	killTimer := time.AfterFunc(termGracePeriod, func() {
		_ = signalGroup(p.cmd, syscall.SIGKILL)
	})
	defer killTimer.Stop()

	select {
	case <-p.exited:
		return expectSignalExit(p.waitErr)
	case <-ctx.Done():
		p.logger.Warn("close deadline reached, killing chromium", "pid", pid, "port", p.port)
		_ = signalGroup(p.cmd, syscall.SIGKILL)
		if !drain(p.exited, killDrainTimeout) {
			return fmt.Errorf("chromium pid %d: timed out waiting for exit after SIGKILL", pid)
		}
		return expectSignalExit(p.waitErr)
	}
}

func drain(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// expectSignalExit treats exits caused by SIGTERM or SIGKILL as clean.
func expectSignalExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return fmt.Errorf("chromium: %w", err)
}
