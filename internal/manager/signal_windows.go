//go:build windows

package manager

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense; both phases fall back
// to killing the direct child.
func terminateGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func killGroup(pid int) {
	terminateGroup(pid)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	return cmd.ProcessState.ExitCode()
}
