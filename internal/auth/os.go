package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	defaultPkexecPath = "/usr/bin/pkexec"
	defaultSudoPath   = "/usr/bin/sudo"
	defaultTruePath   = "/usr/bin/true"

	// pkexec exit codes.
	pkexecDismissed     = 126
	pkexecNotAuthorized = 127
)

// commandFunc runs argv with stdin and returns its exit code. err is set
// only when the program could not be run at all.
type commandFunc func(ctx context.Context, stdin io.Reader, argv ...string) (int, error)

func runCommand(ctx context.Context, stdin io.Reader, argv ...string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, err
}

// PkexecAgent authenticates through polkit's pkexec. The pre-flight runs
// a no-op program so the user answers the polkit dialog before the real
// command starts.
//
// pkexec execs its target as root, so the caller cannot signal it. When
// Relay is set, granted commands run as pkexec <Relay...> <argv...>: a
// helper that stops the command when its stdin closes.
type PkexecAgent struct {
	Path    string
	Timeout time.Duration // Bounds the pre-flight. 0 = 60s.
	Relay   []string      // Relay helper argv prefix, e.g. {"/usr/bin/warden", "relay", "--"}.

	run  commandFunc
	stat func(string) (os.FileInfo, error)
}

// NewPkexecAgent returns an agent using the pkexec binary at path.
func NewPkexecAgent(path string, timeout time.Duration) *PkexecAgent {
	if path == "" {
		path = defaultPkexecPath
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PkexecAgent{Path: path, Timeout: timeout, run: runCommand, stat: os.Stat}
}

// Authenticate runs the pre-flight. A missing binary, exit 127, or an
// agent that does not answer within Timeout count as unavailable.
func (a *PkexecAgent) Authenticate(ctx context.Context) (AgentResult, error) {
	if _, err := a.stat(a.Path); err != nil {
		return AgentUnavailable, nil
	}
	preCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	code, err := a.run(preCtx, nil, a.Path, defaultTruePath)
	if ctx.Err() != nil {
		return AgentCancelled, ctx.Err()
	}
	if err != nil {
		// Hung or broken agent.
		return AgentUnavailable, nil
	}
	switch code {
	case 0:
		return AgentGranted, nil
	case pkexecDismissed:
		return AgentCancelled, nil
	case pkexecNotAuthorized:
		return AgentUnavailable, nil
	default:
		return AgentCancelled, nil
	}
}

// Wrap returns pkexec followed by the relay prefix, if any, and argv.
func (a *PkexecAgent) Wrap(argv []string) []string {
	out := make([]string, 0, 1+len(a.Relay)+len(argv))
	out = append(out, a.Path)
	out = append(out, a.Relay...)
	return append(out, argv...)
}

// Relayed reports whether wrapped commands run behind the relay helper.
func (a *PkexecAgent) Relayed() bool { return len(a.Relay) > 0 }

// SudoTerminal authenticates with sudo. The credential is validated with
// "sudo -v" so the command itself later runs with "sudo -n".
type SudoTerminal struct {
	Path   string
	Stdin  *os.File
	Prompt io.Writer // Where the prompt is printed. nil = os.Stderr.

	run          commandFunc
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

// NewSudoTerminal returns a terminal mechanism using the sudo binary at
// path, prompting on stdin.
func NewSudoTerminal(path string) *SudoTerminal {
	if path == "" {
		path = defaultSudoPath
	}
	return &SudoTerminal{
		Path:         path,
		Stdin:        os.Stdin,
		Prompt:       os.Stderr,
		run:          runCommand,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// Passwordless reports whether "sudo -n true" succeeds. It only detects
// an existing rule; it grants nothing by itself.
func (t *SudoTerminal) Passwordless(ctx context.Context) bool {
	code, err := t.run(ctx, nil, t.Path, "-n", defaultTruePath)
	return err == nil && code == 0
}

// Interactive reports whether stdin is a terminal.
func (t *SudoTerminal) Interactive() bool {
	return t.Stdin != nil && t.isTerminal(int(t.Stdin.Fd()))
}

// Authenticate reads a password without echo and validates it. The
// password buffer is zeroed before returning.
func (t *SudoTerminal) Authenticate(ctx context.Context) (bool, error) {
	if !t.Interactive() {
		return false, errors.New("stdin is not a terminal")
	}

	type read struct {
		pw  []byte
		err error
	}
	ch := make(chan read, 1)
	prompt := t.Prompt
	if prompt == nil {
		prompt = os.Stderr
	}
	fmt.Fprint(prompt, "[warden] password for privileged operation: ")
	go func() {
		pw, err := t.readPassword(int(t.Stdin.Fd()))
		ch <- read{pw, err}
	}()

	var pw []byte
	select {
	case <-ctx.Done():
		fmt.Fprintln(prompt)
		// The reader goroutine finishes when the terminal delivers a line;
		// its buffer is zeroed then.
		go func() {
			r := <-ch
			zero(r.pw)
		}()
		return false, ctx.Err()
	case r := <-ch:
		fmt.Fprintln(prompt)
		if r.err != nil {
			return false, fmt.Errorf("reading password: %w", r.err)
		}
		pw = r.pw
	}
	defer zero(pw)

	input := make([]byte, 0, len(pw)+1)
	input = append(input, pw...)
	input = append(input, '\n')
	defer zero(input)

	code, err := t.run(ctx, bytes.NewReader(input), t.Path, "-S", "-p", "", "-v")
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Wrap returns a non-interactive sudo invocation of argv.
func (t *SudoTerminal) Wrap(argv []string) []string {
	return append([]string{t.Path, "-n", "--"}, argv...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KernelRelease returns the running kernel release string.
func KernelRelease() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(u.Release[:]), nil
}

// HardenedKernel reports whether the running kernel is a hardened build.
func HardenedKernel() bool {
	release, err := KernelRelease()
	if err != nil {
		return false
	}
	return strings.Contains(release, "hardened")
}
