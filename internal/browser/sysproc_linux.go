//go:build linux

package browser

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts Chromium in its own process group so renderer
// and GPU helpers are signaled together, and makes the kernel SIGTERM the
// browser if browserd dies without cleaning up.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
