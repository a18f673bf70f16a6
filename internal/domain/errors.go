package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Every typed error below unwraps to exactly one of these.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthorization  = errors.New("authorization denied")
	ErrAuthentication = errors.New("authentication failed")
	ErrExecution      = errors.New("execution failed")
)

// Reason is a stable, machine-readable failure code.
type Reason string

// Validation reasons.
const (
	ReasonInvalidPackageName   Reason = "invalid_package_name"
	ReasonPathTraversalAttempt Reason = "path_traversal_attempt"
	ReasonPathNotAbsolute      Reason = "path_not_absolute"
	ReasonPathOutsideRoots     Reason = "path_outside_allowed_roots"
	ReasonNullByte             Reason = "null_byte"
	ReasonUnsafeURL            Reason = "unsafe_url"
	ReasonUntrustedDomain      Reason = "untrusted_domain"
	ReasonShellMetacharacter   Reason = "shell_metacharacter"
	ReasonControlCharacter     Reason = "control_character"
	ReasonOversizedInput       Reason = "oversized_input"
	ReasonEmptyInput           Reason = "empty_input"
	ReasonInvalidServiceName   Reason = "invalid_service_name"
	ReasonInvalidArgument      Reason = "invalid_argument"
)

// Authorization reasons.
const (
	ReasonExecutableNotWhitelisted  Reason = "executable_not_whitelisted"
	ReasonPrivilegeNotPermitted     Reason = "privilege_not_permitted_for_executable"
	ReasonDedicatedWrapperRequired  Reason = "dedicated_wrapper_required"
	ReasonServiceNotWhitelisted     Reason = "service_not_whitelisted"
	ReasonActionNotWhitelisted      Reason = "action_not_whitelisted"
	ReasonFilesystemNotWhitelisted  Reason = "filesystem_not_whitelisted"
	ReasonMountOptionNotWhitelisted Reason = "mount_option_not_whitelisted"
	ReasonProtectedMountPoint       Reason = "protected_mount_point"
)

// Authentication reasons.
const (
	ReasonAgentUnavailable   Reason = "agent_unavailable"
	ReasonUserCancelled      Reason = "user_cancelled"
	ReasonCredentialRejected Reason = "credential_rejected"
	ReasonAuthTimeout        Reason = "timeout"
	ReasonNoEscalation       Reason = "no_escalation_mechanism"
)

// Execution reasons.
const (
	ReasonSpawnFailed     Reason = "spawn_failed"
	ReasonNonZeroExit     Reason = "non_zero_exit"
	ReasonTimedOut        Reason = "timed_out"
	ReasonCancelled       Reason = "cancelled"
	ReasonTermination     Reason = "termination_denied"
	ReasonSandboxDegraded Reason = "sandbox_degraded"
)

// ValidationError is returned when untrusted input is rejected.
type ValidationError struct {
	Reason Reason
	Field  string // Which input was rejected ("path", "url", "arg[2]").
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AuthorizationError is returned when the whitelist gate denies an executable.
type AuthorizationError struct {
	Reason     Reason
	Executable string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied for %q: %s", e.Executable, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// AuthenticationError is returned when privilege escalation does not reach Granted.
type AuthenticationError struct {
	Reason Reason
	State  string // Terminal state of the session.
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s (state %s)", e.Reason, e.State)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }

// Retryable reports whether a caller may reasonably offer "try again".
func (e *AuthenticationError) Retryable() bool {
	return e.Reason == ReasonCredentialRejected || e.Reason == ReasonAuthTimeout || e.Reason == ReasonUserCancelled
}

// ExecutionError describes a process that could not run to completion.
type ExecutionError struct {
	Reason   Reason
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("execution failed: %s", e.Reason)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExecution, e.Err}
	}
	return []error{ErrExecution}
}

// ReasonOf extracts the reason code from any error in the taxonomy.
// Returns "" for errors outside it.
func ReasonOf(err error) Reason {
	var (
		ve *ValidationError
		ae *AuthorizationError
		ne *AuthenticationError
		ee *ExecutionError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Reason
	case errors.As(err, &ae):
		return ae.Reason
	case errors.As(err, &ne):
		return ne.Reason
	case errors.As(err, &ee):
		return ee.Reason
	default:
		return ""
	}
}
