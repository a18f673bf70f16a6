// Package domain defines the request, result, and error types shared by every
// layer of the mediation pipeline.
package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category classifies an operation so the sandbox selector can pick a profile.
type Category int

const (
	CategoryGeneric Category = iota
	CategoryPackageQuery
	CategoryPackageModify
	CategoryServiceControl
	CategoryMountControl
	CategoryFileOpen
	CategoryURLOpen
)

func (c Category) String() string {
	switch c {
	case CategoryPackageQuery:
		return "package_query"
	case CategoryPackageModify:
		return "package_modify"
	case CategoryServiceControl:
		return "service_control"
	case CategoryMountControl:
		return "mount_control"
	case CategoryFileOpen:
		return "file_open"
	case CategoryURLOpen:
		return "url_open"
	default:
		return "generic"
	}
}

// ParseCategory converts a string to a Category.
// Unrecognized values map to CategoryGeneric.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "package_query":
		return CategoryPackageQuery
	case "package_modify":
		return CategoryPackageModify
	case "service_control":
		return CategoryServiceControl
	case "mount_control":
		return CategoryMountControl
	case "file_open":
		return CategoryFileOpen
	case "url_open":
		return CategoryURLOpen
	default:
		return CategoryGeneric
	}
}

// CommandRequest describes one external program invocation.
// Fields are unexported so a request cannot change after construction.
type CommandRequest struct {
	executable string
	args       []string
	category   Category
	privileged bool
	timeout    time.Duration
	target     string
}

// RequestOption customizes a CommandRequest at construction time.
type RequestOption func(*CommandRequest)

// WithPrivilege marks the request as requiring elevated rights.
func WithPrivilege() RequestOption {
	return func(r *CommandRequest) { r.privileged = true }
}

// WithTimeout sets the execution timeout. Zero keeps the engine default.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *CommandRequest) { r.timeout = d }
}

// WithCategory overrides the operation category.
func WithCategory(c Category) RequestOption {
	return func(r *CommandRequest) { r.category = c }
}

// WithTarget records the file or directory the operation acts on.
// The sandbox selector narrows FILE_OPEN profiles to the target's directory.
func WithTarget(path string) RequestOption {
	return func(r *CommandRequest) { r.target = path }
}

// NewCommandRequest builds an immutable request. The args slice is copied.
func NewCommandRequest(executable string, args []string, opts ...RequestOption) CommandRequest {
	r := CommandRequest{
		executable: executable,
		args:       slices.Clone(args),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func (r CommandRequest) Executable() string { return r.executable }
func (r CommandRequest) Args() []string { return slices.Clone(r.args) }
func (r CommandRequest) Category() Category { return r.category }
func (r CommandRequest) Privileged() bool { return r.privileged }
func (r CommandRequest) Timeout() time.Duration { return r.timeout }
func (r CommandRequest) Target() string { return r.target }
func (r CommandRequest) ArgCount() int { return len(r.args) }
func (r CommandRequest) Arg(i int) string { return r.args[i] }
func (r CommandRequest) Argv() []string { return append([]string{r.executable}, r.args...) }
func (r CommandRequest) String() string { return fmt.Sprintf("%s (%d args)", r.executable, len(r.args)) }

// Outcome is the terminal status of an execution attempt.
type Outcome int

const (
	OutcomeCompleted Outcome = iota // Process ran to completion; see ExitCode.
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExecutionResult captures what happened to a spawned process.
// A non-zero ExitCode is a result, not an error.
type ExecutionResult struct {
	ID       string
	Stdout   string
	Stderr   string // Sanitized of paths outside the allowed roots.
	ExitCode int
	Outcome  Outcome
	Duration time.Duration

	Backend   string // Sandbox backend actually used ("bwrap", "firejail", "none").
	Level     string // Sandbox isolation level.
	Degraded  bool   // True when no sandbox backend was available.
	Truncated bool   // True when output exceeded the buffer cap.
}

// Success reports whether the process completed with exit code zero.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.Outcome == OutcomeCompleted && r.ExitCode == 0
}
