//go:build windows

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// terminateGroup has no graceful form on Windows.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
