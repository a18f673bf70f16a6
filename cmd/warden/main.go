// Warden runs privileged and untrusted commands for the package-update
// assistant: validated, whitelisted, authenticated, sandboxed and audited.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/lock"
)

// Exit codes.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitDenied         = 2
	ExitAlreadyRunning = 3
)

var (
	configPath string
	debugLog   bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden mediates privileged commands for the update assistant.",
	Long: `Warden is the single path through which the update assistant runs external
programs. Every request is validated, checked against a command whitelist,
escalated through polkit or sudo when privileged, wrapped in a sandbox
profile, and recorded in an append-only security event log.

Exit codes:
  0  success
  1  error
  2  request rejected, denied, or not authenticated
  3  another instance is already running
  n  exit code of the command run by "warden exec"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (or WARDEN_CONFIG env, default ~/.config/warden/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging (or WARDEN_LOG_LEVEL=debug)")

	rootCmd.AddCommand(
		validateCmd, execCmd, openURLCmd, openFileCmd,
		serviceCmd, mountCmd, umountCmd,
		eventsCmd, doctorCmd, serveCmd, versionCmd, relayCmd,
	)
	_ = godotenv.Load()
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if !errors.As(err, &exit) {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitError carries a child process exit code without an error message.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var exit *exitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exit):
		return exit.code
	case errors.Is(err, lock.ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrAuthorization),
		errors.Is(err, domain.ErrAuthentication):
		return ExitDenied
	default:
		return ExitFailure
	}
}
