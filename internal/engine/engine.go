// Package engine is the secure execution engine. Every external program the
// application runs goes through it: arguments are validated, the executable
// is authorized against the whitelist, privilege is escalated when required,
// an isolation profile is applied and the process is spawned from an
// argument vector. Each attempt, allowed or denied, produces exactly one
// security event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/warden/internal/auth"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/validate"
)

// Rejection stages reported to the Observer.
const (
	StageValidation     = "validation"
	StageAuthorization  = "authorization"
	StageAuthentication = "authentication"
)

const defaultOpener = "xdg-open"

// packageManagers run with a fixed C locale so their output is parseable.
var packageManagers = map[string]bool{"pacman": true, "paccache": true, "checkupdates": true}

// Authenticator escalates privilege for one request. *auth.Chain
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context) *auth.Session
}

// Observer receives per-request outcomes for metrics and anomaly detection.
// All methods must be safe to call concurrently.
type Observer interface {
	RequestRejected(ctx context.Context, stage string, reason domain.Reason)
	RequestAllowed(ctx context.Context, category domain.Category)
	ExecutionFinished(ctx context.Context, category domain.Category, res *domain.ExecutionResult, err error)
}

// Config holds engine settings.
type Config struct {
	// DefaultTimeout applies to requests without their own. 0 = runner default.
	DefaultTimeout time.Duration

	// Opener is the whitelisted program used by OpenURL and OpenFile.
	// Empty = "xdg-open".
	Opener string

	// MaxFieldLength caps sanitized values in operational log lines. 0 = 512.
	MaxFieldLength int
}

// Engine runs commands. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	validator *validate.Validator
	gate      *security.Gate
	auth      Authenticator
	selector  *sandbox.Selector
	runner    sandbox.Runner
	recorder  security.Recorder
	observer  Observer
	tracer    trace.Tracer
	sanitizer *security.Sanitizer
	logger    *slog.Logger
	config    Config
	newID     func() string
}

// NewEngine creates an engine from its collaborators. authenticator may be
// nil, in which case every privileged request is denied.
func NewEngine(
	validator *validate.Validator,
	gate *security.Gate,
	authenticator Authenticator,
	selector *sandbox.Selector,
	runner sandbox.Runner,
	recorder security.Recorder,
	logger *slog.Logger,
	config Config,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Opener == "" {
		config.Opener = defaultOpener
	}
	return &Engine{
		validator: validator,
		gate:      gate,
		auth:      authenticator,
		selector:  selector,
		runner:    runner,
		recorder:  recorder,
		tracer:    noop.NewTracerProvider().Tracer(""),
		sanitizer: security.NewSanitizer(config.MaxFieldLength),
		logger:    logger,
		config:    config,
		newID:     uuid.NewString,
	}
}

// WithObserver attaches an outcome observer. nil detaches it.
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// WithTracer sets the tracer used for request spans. nil keeps the no-op
// tracer.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	if t != nil {
		e.tracer = t
	}
	return e
}

// ExecOption customizes one execution.
type ExecOption func(*execOptions)

type execOptions struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

// WithOutput streams the child's stdout and stderr to the given writers as it
// arrives, in addition to the bounded capture returned in the result.
func WithOutput(stdout, stderr io.Writer) ExecOption {
	return func(o *execOptions) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithInput feeds r to the child's standard input.
func WithInput(r io.Reader) ExecOption {
	return func(o *execOptions) { o.stdin = r }
}

// Validate applies the validator grammar selected by kind. It has no side
// effects and records no event.
func (e *Engine) Validate(kind validate.Kind, raw string) validate.Outcome {
	return e.validator.Validate(kind, raw)
}

// Execute validates, authorizes, authenticates and runs req.
//
// A completed process is returned as a result whatever its exit code. The
// error is a *domain.ValidationError, *domain.AuthorizationError or
// *domain.AuthenticationError when the request was refused before spawning,
// and a *domain.ExecutionError when the process could not start, timed out
// or was cancelled. Timed out and cancelled runs also return their partial
// result.
func (e *Engine) Execute(ctx context.Context, req domain.CommandRequest, opts ...ExecOption) (*domain.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(requestAttrs(req)...))
	defer span.End()

	if out, i := validate.Arguments(req.Args()); !out.OK() {
		err := out.Err("arg[" + strconv.Itoa(i) + "]")
		e.reject(ctx, span, req, StageValidation, err, map[string]any{"input": req.Arg(i)})
		return nil, err
	}
	return e.run(ctx, span, req, e.gate.Authorize(req.Executable(), req.Privileged()), opts)
}

// OpenURL opens raw with the desktop opener after URL validation. The URL
// grammar replaces generic argument checks, so query strings may contain
// characters such as '&'.
func (e *Engine) OpenURL(ctx context.Context, raw string, opts ...ExecOption) (*domain.ExecutionResult, error) {
	req := domain.NewCommandRequest(e.config.Opener, []string{raw}, domain.WithCategory(domain.CategoryURLOpen))
	ctx, span := e.tracer.Start(ctx, "engine.open_url", trace.WithAttributes(requestAttrs(req)...))
	defer span.End()

	out := e.validator.URL(raw)
	if !out.OK() {
		err := out.Err("url")
		e.reject(ctx, span, req, StageValidation, err, map[string]any{"input": raw})
		return nil, err
	}
	req = domain.NewCommandRequest(e.config.Opener, []string{out.Value()}, domain.WithCategory(domain.CategoryURLOpen))
	return e.run(ctx, span, req, e.gate.Authorize(req.Executable(), false), opts)
}

// OpenFile opens path with the desktop opener after path validation. The
// sandbox profile only exposes the file's directory.
func (e *Engine) OpenFile(ctx context.Context, path string, opts ...ExecOption) (*domain.ExecutionResult, error) {
	req := domain.NewCommandRequest(e.config.Opener, []string{path}, domain.WithCategory(domain.CategoryFileOpen))
	ctx, span := e.tracer.Start(ctx, "engine.open_file", trace.WithAttributes(requestAttrs(req)...))
	defer span.End()

	out := e.validator.Path(path)
	if !out.OK() {
		err := out.Err("path")
		e.reject(ctx, span, req, StageValidation, err, map[string]any{"input": path})
		return nil, err
	}
	req = domain.NewCommandRequest(e.config.Opener, []string{out.Value()},
		domain.WithCategory(domain.CategoryFileOpen),
		domain.WithTarget(out.Value()),
	)
	return e.run(ctx, span, req, e.gate.Authorize(req.Executable(), false), opts)
}

// RecordSecurityEvent records an event detected outside the engine, such as
// a second instance being started.
func (e *Engine) RecordSecurityEvent(ctx context.Context, kind security.EventKind, fields map[string]any, sev security.Severity) {
	e.recorder.Record(ctx, security.Event{Kind: kind, Severity: sev, Context: fields})
}

// run performs every step after argument validation: the gate decision,
// executable resolution, authentication, sandbox selection, spawning and the
// attempt's security event.
func (e *Engine) run(ctx context.Context, span trace.Span, req domain.CommandRequest, decision security.Decision, opts []ExecOption) (*domain.ExecutionResult, error) {
	if !decision.Allowed {
		e.reject(ctx, span, req, StageAuthorization, decision.Err(), nil)
		return nil, decision.Err()
	}
	e.notifyAllowed(ctx, req.Category())

	path, err := e.gate.Resolve(decision.Executable)
	if err != nil {
		execErr := &domain.ExecutionError{Reason: domain.ReasonSpawnFailed, Err: err}
		e.finish(ctx, span, req, attempt{}, nil, execErr)
		return nil, execErr
	}

	var at attempt
	argv := append([]string{path}, req.Args()...)

	if req.Privileged() {
		session := e.authenticate(ctx)
		at.mechanism = string(session.Mechanism())
		if session.State() != auth.StateGranted {
			authErr := session.Err()
			e.reject(ctx, span, req, StageAuthentication, authErr, map[string]any{
				"auth_state": session.State().String(),
			})
			return nil, authErr
		}
		e.logTransitions(ctx, session)
		at.session = session
	}

	at.profile = e.selector.Select(req.Category(), req.Target())
	at.selected = true
	wrapped, err := sandbox.Wrap(at.profile, argv)
	if err == nil && at.session != nil {
		wrapped, err = at.session.Wrap(wrapped)
	}
	if err != nil {
		execErr := &domain.ExecutionError{Reason: domain.ReasonSpawnFailed, Err: err}
		e.finish(ctx, span, req, at, nil, execErr)
		return nil, execErr
	}

	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}
	spec := sandbox.Spec{
		Argv:    wrapped,
		Stdin:   o.stdin,
		Stdout:  o.stdout,
		Stderr:  o.stderr,
		Timeout: req.Timeout(),
	}
	if spec.Timeout <= 0 {
		spec.Timeout = e.config.DefaultTimeout
	}
	if packageManagers[decision.Executable] {
		spec.Env = map[string]string{"LC_ALL": "C"}
	}
	switch {
	case at.session != nil:
		spec.Relay = at.session.Relayed()
	case req.Category() == domain.CategoryURLOpen || req.Category() == domain.CategoryFileOpen:
		// The opener may hand off to a long-lived application.
		spec.Detached = true
	}

	e.logger.DebugContext(ctx, "spawning command",
		slog.String("executable", decision.Executable),
		slog.Int("argc", req.ArgCount()),
		slog.String("category", req.Category().String()),
		slog.String("backend", at.profile.BackendName()),
		slog.String("level", at.profile.Level.String()),
	)

	raw, err := e.runner.Run(ctx, spec)
	if err != nil && raw == nil {
		execErr := &domain.ExecutionError{Reason: domain.ReasonSpawnFailed, Err: err}
		e.finish(ctx, span, req, at, nil, execErr)
		return nil, execErr
	}

	res := &domain.ExecutionResult{
		ID:        e.newID(),
		Stdout:    raw.Stdout,
		Stderr:    security.SanitizePaths(raw.Stderr, e.validator.Roots()),
		ExitCode:  raw.ExitCode,
		Outcome:   raw.Outcome,
		Duration:  raw.Duration,
		Backend:   at.profile.BackendName(),
		Level:     at.profile.Level.String(),
		Degraded:  at.profile.Degraded(),
		Truncated: raw.Truncated,
	}

	var execErr error
	switch {
	case err != nil:
		// The run was cancelled but its group could not be stopped; it
		// ended on its own.
		execErr = &domain.ExecutionError{Reason: domain.ReasonTermination, ExitCode: res.ExitCode, Err: err}
	case res.Outcome == domain.OutcomeTimedOut:
		execErr = &domain.ExecutionError{Reason: domain.ReasonTimedOut, ExitCode: res.ExitCode}
	case res.Outcome == domain.OutcomeCancelled:
		execErr = &domain.ExecutionError{Reason: domain.ReasonCancelled, ExitCode: res.ExitCode, Err: context.Cause(ctx)}
	}
	e.finish(ctx, span, req, at, res, execErr)
	return res, execErr
}

func (e *Engine) authenticate(ctx context.Context) *auth.Session {
	if e.auth == nil {
		// Both mechanisms absent: a chain with nothing to try ends Denied.
		return auth.NewChain(nil, nil, auth.Config{}, e.logger).Authenticate(ctx)
	}
	return e.auth.Authenticate(ctx)
}

// attempt carries what the pipeline learned about a request that reached
// the gate's resolution step.
type attempt struct {
	profile   sandbox.Profile
	selected  bool
	session   *auth.Session
	mechanism string
}

// reject records the single event of a request refused before spawning.
func (e *Engine) reject(ctx context.Context, span trace.Span, req domain.CommandRequest, stage string, err error, extra map[string]any) {
	reason := domain.ReasonOf(err)
	fields := requestFields(req)
	fields["reason"] = string(reason)
	for k, v := range extra {
		fields[k] = v
	}

	kind, sev := security.KindValidationRejected, security.SeverityWarning
	switch stage {
	case StageAuthorization:
		kind = security.KindAuthorizationDenied
	case StageAuthentication:
		kind, sev = security.KindAuthenticationFailed, security.SeverityError
		if reason == domain.ReasonUserCancelled {
			kind, sev = security.KindAuthenticationCancelled, security.SeverityWarning
		}
	}
	e.recorder.Record(ctx, security.Event{Kind: kind, Severity: sev, Context: fields})

	span.SetStatus(codes.Error, string(reason))
	span.SetAttributes(attribute.String("warden.rejected_stage", stage))
	e.logger.InfoContext(ctx, "request refused",
		slog.String("stage", stage),
		slog.String("reason", string(reason)),
		slog.String("executable", e.sanitizer.Value(req.Executable())),
	)
	if e.observer != nil {
		e.observer.RequestRejected(ctx, stage, reason)
	}
}

// finish records the single event of a request that reached the runner, or
// failed while preparing to.
func (e *Engine) finish(ctx context.Context, span trace.Span, req domain.CommandRequest, at attempt, res *domain.ExecutionResult, err error) {
	fields := requestFields(req)
	if at.mechanism != "" {
		fields["auth_mechanism"] = at.mechanism
	}
	if at.selected {
		fields["sandbox_level"] = at.profile.Level.String()
		fields["sandbox_backend"] = at.profile.BackendName()
	}

	kind, sev := security.KindCommandExecuted, security.SeverityInfo
	switch {
	case res == nil:
		kind, sev = security.KindSpawnFailed, security.SeverityError
		fields["reason"] = string(domain.ReasonSpawnFailed)
		fields["error"] = errorText(err)
	case domain.ReasonOf(err) == domain.ReasonTermination:
		kind, sev = security.KindTerminationDenied, security.SeverityCritical
		fields["reason"] = string(domain.ReasonTermination)
		fields["error"] = errorText(err)
	case res.Outcome == domain.OutcomeTimedOut:
		kind, sev = security.KindExecutionTimedOut, security.SeverityWarning
	case res.Outcome == domain.OutcomeCancelled:
		kind, sev = security.KindExecutionCancelled, security.SeverityWarning
	case res.ExitCode != 0:
		kind, sev = security.KindCommandFailed, security.SeverityWarning
	}
	if res != nil {
		fields["execution_id"] = res.ID
		fields["outcome"] = res.Outcome.String()
		fields["exit_code"] = res.ExitCode
		fields["duration_ms"] = res.Duration.Milliseconds()
	}

	// A degraded run is reported through its one event, raised to critical.
	if at.selected && at.profile.Degraded() {
		fields["attempt_kind"] = string(kind)
		fields["requested_level"] = at.profile.Level.String()
		kind, sev = security.KindSandboxDegraded, security.SeverityCritical
		e.logger.WarnContext(ctx, "no sandbox backend available; running unsandboxed",
			slog.String("category", req.Category().String()),
			slog.String("level", at.profile.Level.String()),
		)
	}
	e.recorder.Record(ctx, security.Event{Kind: kind, Severity: sev, Context: fields})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.ReasonOf(err)))
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int("process.exit_code", res.ExitCode),
			attribute.String("warden.outcome", res.Outcome.String()),
			attribute.Bool("warden.sandbox_degraded", res.Degraded),
		)
	}
	if e.observer != nil {
		e.observer.ExecutionFinished(ctx, req.Category(), res, err)
	}
}

func (e *Engine) notifyAllowed(ctx context.Context, c domain.Category) {
	if e.observer != nil {
		e.observer.RequestAllowed(ctx, c)
	}
}

func (e *Engine) logTransitions(ctx context.Context, s *auth.Session) {
	if !e.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	steps := make([]string, 0, len(s.Transitions()))
	for _, t := range s.Transitions() {
		steps = append(steps, t.To.String())
	}
	e.logger.DebugContext(ctx, "authentication path",
		slog.String("mechanism", string(s.Mechanism())),
		slog.String("states", strings.Join(steps, ">")),
	)
}

// requestFields is the base event context of a request. Arguments are
// joined for the record only; the sanitizer redacts and truncates them.
func requestFields(req domain.CommandRequest) map[string]any {
	return map[string]any{
		"executable": req.Executable(),
		"args":       strings.Join(req.Args(), " "),
		"category":   req.Category().String(),
		"privileged": req.Privileged(),
	}
}

func requestAttrs(req domain.CommandRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("warden.executable", req.Executable()),
		attribute.Int("warden.argc", req.ArgCount()),
		attribute.String("warden.category", req.Category().String()),
		attribute.Bool("warden.privileged", req.Privileged()),
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	var ee *domain.ExecutionError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err.Error()
	}
	return fmt.Sprint(err)
}
