//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcAttrs(*exec.Cmd) {}

// Windows has no SIGTERM; both steps kill.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	if pid <= 0 {
		return errNoProcess
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
