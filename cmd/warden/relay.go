package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/sandbox"
)

// relayCmd is the privileged side of agent-granted commands. It is started
// as "pkexec warden relay -- <argv>" and stops its command when the
// unprivileged caller closes its stdin, or exits.
var relayCmd = &cobra.Command{
	Use:    "relay -- <program> [args...]",
	Short:  "Run a privileged command that stops when stdin closes",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, stop := requestContext()
		defer stop()

		code, err := sandbox.Relay(ctx, args, os.Stdin, os.Stdout, os.Stderr, 0)
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

// relayPrefix returns the argv prefix that runs this binary as a relay, or
// nil when the binary's own path cannot be determined.
func relayPrefix() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return []string{exe, "relay", "--"}
}
