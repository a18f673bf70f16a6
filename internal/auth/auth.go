// Package auth implements the authentication chain that escalates privilege
// for a single request: an interactive polkit agent first, a terminal
// credential prompt as fallback. Every path fails closed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/domain"
)

// State is the state of an authentication session.
//
// Transitions:
//   - NotStarted -> AwaitingAgent
//   - AwaitingAgent -> AwaitingTerminalCredential (agent unavailable)
//   - AwaitingAgent -> Granted | Cancelled
//   - AwaitingTerminalCredential -> Granted | Denied | TimedOut
//
// Any non-terminal state moves to Cancelled or TimedOut when the request
// context ends. Terminal states are immutable.
type State int

const (
	StateNotStarted State = iota
	StateAwaitingAgent
	StateAwaitingTerminalCredential
	StateGranted
	StateDenied
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateAwaitingAgent:
		return "awaiting_agent"
	case StateAwaitingTerminalCredential:
		return "awaiting_terminal_credential"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s >= StateGranted
}

// Mechanism is how a session was granted.
type Mechanism string

const (
	MechanismNone     Mechanism = "none"
	MechanismAgent    Mechanism = "agent"
	MechanismTerminal Mechanism = "terminal"
)

// AgentResult is the answer of an interactive agent.
type AgentResult int

const (
	AgentGranted AgentResult = iota
	AgentCancelled
	AgentUnavailable
)

// Agent authenticates through an OS-provided interactive agent.
type Agent interface {
	Authenticate(ctx context.Context) (AgentResult, error)
	// Wrap prefixes argv with the agent's escalation command.
	Wrap(argv []string) []string
}

// Terminal authenticates with a credential typed at a terminal.
type Terminal interface {
	// Passwordless reports whether escalation works without a credential.
	Passwordless(ctx context.Context) bool
	// Interactive reports whether a credential can be prompted for.
	Interactive() bool
	// Authenticate prompts for and validates a credential. It returns
	// false when the credential was rejected.
	Authenticate(ctx context.Context) (bool, error)
	// Wrap prefixes argv with the non-interactive escalation command.
	Wrap(argv []string) []string
}

// relayer is implemented by mechanisms whose wrapped commands run behind a
// relay that stops them when its stdin closes.
type relayer interface {
	Relayed() bool
}

func relayed(v any) bool {
	r, ok := v.(relayer)
	return ok && r.Relayed()
}

// ErrNotGranted is returned by Session.Wrap for sessions that did not end
// in StateGranted.
var ErrNotGranted = errors.New("authentication session not granted")

// Transition records one state change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// Session is the authentication state of one privileged request. It is
// owned by that request and discarded when it completes.
type Session struct {
	mu          sync.Mutex
	state       State
	mechanism   Mechanism
	reason      domain.Reason
	transitions []Transition
	wrap        func([]string) []string
	relayed     bool
	now         func() time.Time
}

func newSession(now func() time.Time) *Session {
	return &Session{state: StateNotStarted, mechanism: MechanismNone, now: now}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mechanism returns how the session was granted.
func (s *Session) Mechanism() Mechanism {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mechanism
}

// Reason returns why the session did not reach Granted, or "".
func (s *Session) Reason() domain.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Transitions returns the recorded state changes in order.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Err returns nil for granted sessions and an *domain.AuthenticationError
// otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateGranted {
		return nil
	}
	reason := s.reason
	if reason == "" {
		reason = domain.ReasonNoEscalation
	}
	return &domain.AuthenticationError{Reason: reason, State: s.state.String()}
}

// Relayed reports whether commands wrapped by this session run behind a
// relay. Such commands cannot be signalled by the caller and are stopped
// by closing their stdin.
func (s *Session) Relayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateGranted && s.relayed
}

// Wrap returns argv prefixed with the escalation command of the mechanism
// that granted the session.
func (s *Session) Wrap(argv []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateGranted || s.wrap == nil {
		return nil, ErrNotGranted
	}
	return s.wrap(argv), nil
}

// move applies a transition. Moves out of a terminal state are ignored.
func (s *Session) move(to State, cause string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: to, Cause: cause, At: s.now()})
	s.state = to
	return true
}

func (s *Session) fail(to State, reason domain.Reason, cause string) {
	if s.move(to, cause) {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
	}
}

func (s *Session) grant(m Mechanism, wrap func([]string) []string, relay bool, cause string) {
	if s.move(StateGranted, cause) {
		s.mu.Lock()
		s.mechanism = m
		s.wrap = wrap
		s.relayed = relay
		s.mu.Unlock()
	}
}

// Config configures a Chain.
type Config struct {
	// CredentialTimeout bounds the terminal credential prompt. 0 = 60s.
	CredentialTimeout time.Duration

	// SkipAgentOnHardenedKernel treats the agent as unavailable when the
	// running kernel is a hardened build.
	SkipAgentOnHardenedKernel bool

	// HardenedKernel reports whether the running kernel is hardened.
	// nil = never.
	HardenedKernel func() bool

	Now func() time.Time
}

// Chain runs the escalation state machine. It holds no per-request state
// and is safe for concurrent use.
type Chain struct {
	agent    Agent
	terminal Terminal
	cfg      Config
	logger   *slog.Logger
}

// NewChain creates a Chain. Either mechanism may be nil; with both nil
// every session ends Denied.
func NewChain(agent Agent, terminal Terminal, cfg Config, logger *slog.Logger) *Chain {
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Chain{agent: agent, terminal: terminal, cfg: cfg, logger: logger}
}

// Authenticate runs a fresh session to a terminal state and returns it.
// Cancelling ctx aborts the session at the next transition or during any
// blocking wait.
func (c *Chain) Authenticate(ctx context.Context) *Session {
	s := newSession(c.cfg.Now)
	defer func() {
		c.logger.DebugContext(ctx, "authentication finished",
			slog.String("state", s.State().String()),
			slog.String("mechanism", string(s.Mechanism())),
			slog.String("reason", string(s.Reason())),
		)
	}()

	if c.aborted(ctx, s) {
		return s
	}
	s.move(StateAwaitingAgent, "privileged request")

	if c.runAgent(ctx, s) == agentDone {
		return s
	}
	if c.aborted(ctx, s) {
		return s
	}
	s.move(StateAwaitingTerminalCredential, "agent unavailable")
	c.runTerminal(ctx, s)
	return s
}

type agentStep int

const (
	agentDone agentStep = iota
	agentFallback
)

func (c *Chain) runAgent(ctx context.Context, s *Session) agentStep {
	if c.agent == nil {
		return agentFallback
	}
	if c.cfg.SkipAgentOnHardenedKernel && c.cfg.HardenedKernel != nil && c.cfg.HardenedKernel() {
		c.logger.InfoContext(ctx, "hardened kernel detected; skipping interactive agent")
		return agentFallback
	}

	res, err := c.agent.Authenticate(ctx)
	if c.aborted(ctx, s) {
		return agentDone
	}
	if err != nil {
		c.logger.WarnContext(ctx, "interactive agent failed", slog.String("error", err.Error()))
		return agentFallback
	}
	switch res {
	case AgentGranted:
		s.grant(MechanismAgent, c.agent.Wrap, relayed(c.agent), "agent granted")
		return agentDone
	case AgentCancelled:
		s.fail(StateCancelled, domain.ReasonUserCancelled, "agent denied or dismissed")
		return agentDone
	default:
		return agentFallback
	}
}

func (c *Chain) runTerminal(ctx context.Context, s *Session) {
	if c.terminal == nil {
		s.fail(StateDenied, domain.ReasonNoEscalation, "no escalation mechanism")
		return
	}
	if c.terminal.Passwordless(ctx) {
		s.grant(MechanismTerminal, c.terminal.Wrap, relayed(c.terminal), "passwordless rule")
		return
	}
	if c.aborted(ctx, s) {
		return
	}
	if !c.terminal.Interactive() {
		s.fail(StateDenied, domain.ReasonNoEscalation, "no interactive terminal")
		return
	}

	credCtx, cancel := context.WithTimeout(ctx, c.cfg.CredentialTimeout)
	defer cancel()
	ok, err := c.terminal.Authenticate(credCtx)

	if c.aborted(ctx, s) {
		return
	}
	switch {
	case errors.Is(credCtx.Err(), context.DeadlineExceeded):
		s.fail(StateTimedOut, domain.ReasonAuthTimeout, "credential prompt timed out")
	case err != nil:
		s.fail(StateDenied, domain.ReasonCredentialRejected, fmt.Sprintf("credential check failed: %v", err))
	case !ok:
		s.fail(StateDenied, domain.ReasonCredentialRejected, "credential rejected")
	default:
		s.grant(MechanismTerminal, c.terminal.Wrap, relayed(c.terminal), "credential accepted")
	}
}

// aborted moves s to Cancelled or TimedOut when ctx has ended.
func (c *Chain) aborted(ctx context.Context, s *Session) bool {
	switch err := ctx.Err(); {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		s.fail(StateTimedOut, domain.ReasonAuthTimeout, "request deadline exceeded")
	default:
		s.fail(StateCancelled, domain.ReasonUserCancelled, "request cancelled")
	}
	return true
}
