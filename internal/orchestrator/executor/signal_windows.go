//go:build windows

package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// terminateAgent asks the agent's process tree to close. Without /F,
// taskkill sends WM_CLOSE, the closest Windows equivalent of SIGTERM.
func terminateAgent(p *os.Process) {
	_ = exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// killAgent force-kills the agent's process tree.
func killAgent(p *os.Process) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// exitCodeFromWait extracts the exit code from a cmd.Wait error.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
