package session

import (
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes tmux with the given arguments and returns its combined
// output. Indirection over the binary keeps the registry testable without a
// tmux server.
type Runner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs the real tmux binary, optionally against a dedicated
// socket so foreman sessions never collide with the user's own server.
type ExecRunner struct {
	Socket string
}

func (r ExecRunner) Run(args ...string) (string, error) {
	if r.Socket != "" {
		args = append([]string{"-L", r.Socket}, args...)
	}
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// noSessionsOutput recognizes tmux's "no server running" / "no sessions"
// errors, which mean an empty list rather than a failure.
func noSessionsOutput(out string) bool {
	msg := strings.ToLower(strings.TrimSpace(out))
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "error connecting to")
}
