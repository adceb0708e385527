package claudecode

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// BinaryName is the agent executable resolved from PATH by default.
const BinaryName = "claude"

// Args builds the argument vector for a one-shot prompt run.
// resumeSessionID, when non-empty, continues an earlier CLI session.
func Args(prompt, resumeSessionID string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return args
}

// Env returns the environment for an agent subprocess: the parent
// environment with CLAUDECODE dropped and nonessential traffic disabled.
func Env() []string {
	parent := os.Environ()
	env := make([]string, 0, len(parent)+1)
	for _, kv := range parent {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC=1")
}

// NewLineScanner returns a scanner sized for stream-json lines.
// Single events can be large (up to 10MB).
func NewLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	return scanner
}
