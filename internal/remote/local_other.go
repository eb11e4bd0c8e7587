//go:build !unix

package remote

import (
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
