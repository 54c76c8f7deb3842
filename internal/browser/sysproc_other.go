//go:build !linux

package browser

import (
	"os/exec"
	"syscall"
)

func configureSysProcAttr(_ *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return cmd.Process.Signal(sig)
}
