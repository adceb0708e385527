//go:build linux

package executor

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so cancellation
// kills the whole subprocess tree. Pdeathsig ensures agents die with the
// server instead of surviving as orphans.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
