//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup makes the child the leader of its own process group so
// a kill can reach every descendant it forks, not just the direct child.
// A surviving descendant would keep the stdout pipe open and the reader
// would never see EOF.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree terminates the child's whole process group: polite signal
// first, short grace, then the hard kill. The group id equals the child's
// pid because setProcessGroup made it the leader.
func killTree(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group already gone
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return syscall.Kill(-pid, syscall.SIGKILL)
}
