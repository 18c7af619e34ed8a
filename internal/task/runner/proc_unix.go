//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcess puts the worker in its own process group so a kill also
// reaches anything it spawned (e.g. the renderer).
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return cmd.Process.Kill()
}

// inheritResultFD keeps the result descriptor out of processes the worker
// itself spawns.
func inheritResultFD(fd uintptr) { syscall.CloseOnExec(int(fd)) }
