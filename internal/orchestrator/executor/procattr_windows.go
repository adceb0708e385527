//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the agent in its own process group so
// cancellation can address the whole tree.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
