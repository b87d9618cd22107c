package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (sidecar logs)
// This ensures we don't lose critical crash information if the engine dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Die is the unified exit strategy for tablewatch.
// It prints a formatted error box and dumps sidecar logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	fmt.Fprint(os.Stderr, DieMessage(context, err, s))
	os.Exit(1)
}

// DieMessage renders the error box printed by Die.
func DieMessage(context string, err error, s *SafeCommand) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "\n---------------------------------------------------------\n")
	fmt.Fprintf(&b, "🚨 TABLEWATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(&b, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(&b, "\nENGINE CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(&b, "---------------------------------------------------------\n")
	return b.String()
}
