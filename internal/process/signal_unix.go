//go:build !windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttrs puts the child in its own process group so a stop reaches
// everything it started.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate and kill refuse pid <= 0: a negative pid of 0 or -1 would
// reach this process's own group or every process we may signal.
func terminate(pid int) error {
	if pid <= 0 {
		return errNoProcess
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		return unix.Kill(pid, unix.SIGTERM)
	}
	return nil
}

func kill(pid int) error {
	if pid <= 0 {
		return errNoProcess
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}
