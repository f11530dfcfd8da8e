//go:build !windows

package core

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup places the subprocess in its own process group so that
// termination signals reach any children it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the run's process group and escalates to
// SIGKILL if the group is still alive shortly after.
func terminateProcess(cmd *exec.Cmd) {
	proc := cmd.Process
	if proc == nil {
		return
	}
	pid := proc.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	time.AfterFunc(5*time.Second, func() {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = proc.Kill()
		}
	})
}
