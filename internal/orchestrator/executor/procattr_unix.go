//go:build unix && !linux

package executor

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so cancellation
// kills the whole subprocess tree. Pdeathsig is Linux-only; on other
// Unixes orphan cleanup relies on explicit cancellation.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
