package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrRelayProgram is returned when the relayed program is not an absolute path.
var ErrRelayProgram = errors.New("relay requires an absolute program path")

// Relay runs argv in its own process group and stops that group when
// control reaches EOF or ctx is done. It returns the child's exit code,
// 128+signal when the child was killed.
//
// It is the privileged half of commands granted through an escalation
// agent that execs its target as root: the unprivileged caller cannot
// signal such a child, but it can close the relay's stdin. A caller that
// dies closes it too, so the privileged group never outlives it.
func Relay(ctx context.Context, argv []string, control io.Reader, stdout, stderr io.Writer, grace time.Duration) (int, error) {
	if len(argv) == 0 || !filepath.IsAbs(argv[0]) {
		return -1, fmt.Errorf("%w: %w", ErrSpawn, ErrRelayProgram)
	}
	if grace <= 0 {
		grace = defaultKillGrace
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	pgid := cmd.Process.Pid

	closed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, control)
		close(closed)
	}()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
		return exitStatus(err)
	case <-closed:
	case <-ctx.Done():
	}

	killer := newGroupKiller(pgid, grace)
	_ = killer.start()
	err = <-done
	killer.stop()
	_ = unix.Kill(-pgid, unix.SIGKILL)
	return exitStatus(err)
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
