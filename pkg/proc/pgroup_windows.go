//go:build windows

package proc

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// setProcessGroup is a no-op on Windows; killTree relies on taskkill's
// tree flag instead of process groups.
func setProcessGroup(cmd *exec.Cmd) {}

// killTree terminates the child and every process it spawned
func killTree(pid int) error {
	cmd := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill pid %d: %w: %s", pid, err, strings.TrimSpace(string(out)))
	}
	return nil
}
