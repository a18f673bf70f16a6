package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/warden/internal/domain"
)

const (
	// defaultMaxOutputBytes caps each of stdout and stderr.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout   = 300 * time.Second
	defaultKillGrace = 2 * time.Second
)

var (
	// ErrSpawn wraps failures to start the process.
	ErrSpawn = errors.New("spawn failed")

	// ErrTerminationDenied is returned with a result when cancellation could
	// not signal the process group, because the child runs as another user
	// and was not started through a relay. The run ended on its own.
	ErrTerminationDenied = errors.New("termination denied")
)

// passthroughEnv are the only parent variables a child inherits. They are
// what desktop openers need to reach the user session.
var passthroughEnv = []string{
	"HOME", "USER", "LOGNAME", "DISPLAY", "WAYLAND_DISPLAY", "XAUTHORITY",
	"XDG_RUNTIME_DIR", "XDG_SESSION_TYPE", "XDG_CURRENT_DESKTOP", "DBUS_SESSION_BUS_ADDRESS",
}

// Spec is one process to run.
type Spec struct {
	// Argv is the full argument vector; Argv[0] is the program. It is
	// passed to the kernel as-is and never joined into a shell string.
	Argv []string

	// Env adds variables on top of the minimal base environment.
	Env map[string]string

	// Dir is the working directory. Empty = "/".
	Dir string

	// Stdin feeds the child. nil = /dev/null.
	Stdin io.Reader

	// Timeout bounds the run. Zero = runner default.
	Timeout time.Duration

	// Stdout and Stderr receive output as it arrives, in addition to the
	// bounded capture. They may be called from different goroutines.
	Stdout io.Writer
	Stderr io.Writer

	// Detached marks a launcher whose descendants may outlive it, such as
	// xdg-open starting a browser. Output goes to unlinked temporary files
	// instead of pipes, so descendants neither hold Wait open nor get
	// SIGPIPE once the launcher is reaped. Live writers receive the
	// captured output after exit.
	Detached bool

	// Relay marks a command whose leader runs as another user behind a
	// relay (see Relay). It cannot be signalled from here; cancellation
	// closes the child's stdin instead and the relay stops the group.
	// Stdin is ignored.
	Relay bool
}

// Result is what a finished process produced.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Outcome   domain.Outcome
	Duration  time.Duration
	Truncated bool
}

// Runner spawns processes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// ProcessConfig configures a ProcessRunner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	KillGrace      time.Duration // Delay between SIGTERM and SIGKILL to the group.
}

// ProcessRunner executes commands as OS processes.
//
//   - The process runs in its own process group (Setpgid).
//   - Timeout and cancellation signal the whole group, then SIGKILL it.
//   - The environment is rebuilt from a small allow-list.
//   - stdout/stderr captures are capped.
type ProcessRunner struct {
	defaultTimeout time.Duration
	maxOutput      int
	killGrace      time.Duration
	logger         *slog.Logger
}

// NewProcessRunner creates a ProcessRunner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessRunner{
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		killGrace:      grace,
		logger:         logger,
	}
}

// Run executes spec and waits for it. A non-zero exit is a result. Timeout
// and cancellation are reported through Result.Outcome, including a context
// that is already done before the spawn. The returned error is non-nil when
// the process could not be started, or, together with a result, when a
// cancellation could not signal the group (ErrTerminationDenied).
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, ErrEmptyCommand)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Cancelled between authorization and spawn: nothing runs.
	if runCtx.Err() != nil {
		return r.terminated(ctx, spec, &Result{}), nil
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = spec.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		killer           *groupKiller
		relayIn, control *os.File
	)
	if spec.Relay {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%w: relay control: %w", ErrSpawn, err)
		}
		defer pw.Close()
		cmd.Stdin = pr
		relayIn, control = pr, pw
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if control != nil {
			// EOF on the relay's stdin is the stop request.
			return control.Close()
		}
		killer = newGroupKiller(cmd.Process.Pid, r.killGrace)
		return killer.start()
	}
	cmd.WaitDelay = r.killGrace + time.Second

	stdout := &limitedBuffer{remaining: r.maxOutput}
	stderr := &limitedBuffer{remaining: r.maxOutput}
	var files *captureFiles
	if spec.Detached {
		var err error
		if files, err = newCaptureFiles(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
		}
		defer files.Close()
		cmd.Stdout, cmd.Stderr = files.stdout, files.stderr
	} else {
		cmd.Stdout = tee(stdout, spec.Stdout)
		cmd.Stderr = tee(stderr, spec.Stderr)
	}

	r.logger.Debug("spawning process",
		slog.String("program", spec.Argv[0]),
		slog.Int("args", len(spec.Argv)-1),
		slog.Duration("timeout", timeout),
		slog.Bool("detached", spec.Detached),
		slog.Bool("relay", spec.Relay),
	)

	start := time.Now()
	err := cmd.Start()
	if relayIn != nil {
		// The child holds its own copy of the read end.
		_ = relayIn.Close()
	}
	if err != nil {
		if runCtx.Err() != nil {
			return r.terminated(ctx, spec, &Result{}), nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	pgid := cmd.Process.Pid
	runErr := cmd.Wait()
	duration := time.Since(start)

	if files != nil {
		files.collect(stdout, stderr, spec.Stdout, spec.Stderr)
	}
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Outcome:   domain.OutcomeCompleted,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if runCtx.Err() != nil {
		// Descendants that ignored SIGTERM or outlived the leader die here.
		if killer != nil {
			killer.stop()
		}
		_ = unix.Kill(-pgid, unix.SIGKILL)

		res = r.terminated(ctx, spec, res)
		if killer != nil && errors.Is(killer.err(), unix.EPERM) {
			r.logger.Error("process group could not be signalled",
				slog.String("program", spec.Argv[0]),
				slog.Int("pgid", pgid),
			)
			return res, fmt.Errorf("%w: %s: %w", ErrTerminationDenied, spec.Argv[0], killer.err())
		}
		return res, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Exited():
			// The leader exited; a descendant it left running still holds
			// the output pipes.
			res.ExitCode = cmd.ProcessState.ExitCode()
			r.logger.Debug("descendants outlived the process",
				slog.String("program", spec.Argv[0]),
			)
		default:
			return nil, fmt.Errorf("waiting for %s: %w", spec.Argv[0], runErr)
		}
	}

	r.logger.Debug("process completed",
		slog.String("program", spec.Argv[0]),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// terminated marks res as ended by timeout or cancellation of ctx.
func (r *ProcessRunner) terminated(ctx context.Context, spec Spec, res *Result) *Result {
	res.ExitCode = -1
	if errors.Is(ctx.Err(), context.Canceled) {
		res.Outcome = domain.OutcomeCancelled
	} else {
		res.Outcome = domain.OutcomeTimedOut
	}
	r.logger.Warn("process terminated",
		slog.String("program", spec.Argv[0]),
		slog.String("outcome", res.Outcome.String()),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// groupKiller sends SIGTERM to a process group and SIGKILL after a grace
// period.
type groupKiller struct {
	pgid    int
	grace   time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	signErr error
}

func newGroupKiller(pgid int, grace time.Duration) *groupKiller {
	return &groupKiller{pgid: pgid, grace: grace}
}

func (k *groupKiller) start() error {
	err := unix.Kill(-k.pgid, unix.SIGTERM)
	k.mu.Lock()
	k.signErr = err
	k.timer = time.AfterFunc(k.grace, func() {
		_ = unix.Kill(-k.pgid, unix.SIGKILL)
	})
	k.mu.Unlock()
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// err returns the result of the SIGTERM sent by start.
func (k *groupKiller) err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.signErr
}

func (k *groupKiller) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
}

// buildEnv constructs the child environment: a fixed PATH and locale, the
// session variables in passthroughEnv, then extra.
func buildEnv(extra map[string]string) []string {
	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/bin:/usr/sbin:/bin:/sbin",
		"LANG": "C.UTF-8",
		"TERM": "dumb",
	}
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func tee(capture *limitedBuffer, live io.Writer) io.Writer {
	if live == nil {
		return capture
	}
	return io.MultiWriter(capture, liveWriter{live})
}

// liveWriter never fails the copy: a broken caller stream must not kill
// the child.
type liveWriter struct{ w io.Writer }

func (l liveWriter) Write(p []byte) (int, error) {
	_, _ = l.w.Write(p)
	return len(p), nil
}

// limitedBuffer keeps the first remaining bytes and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.remaining <= 0 {
		b.truncated = b.truncated || n > 0
		return n, nil
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
		b.truncated = true
	}
	w, _ := b.buf.Write(p)
	b.remaining -= w
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// captureFiles holds the unlinked files a detached child writes to.
type captureFiles struct {
	stdout, stderr *os.File
}

func newCaptureFiles() (*captureFiles, error) {
	out, err := unlinkedTemp()
	if err != nil {
		return nil, err
	}
	errf, err := unlinkedTemp()
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	return &captureFiles{stdout: out, stderr: errf}, nil
}

func unlinkedTemp() (*os.File, error) {
	f, err := os.CreateTemp("", ".warden-out-*")
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	_ = os.Remove(f.Name())
	return f, nil
}

// collect copies what the child wrote into the bounded captures and the
// live writers.
func (c *captureFiles) collect(stdout, stderr *limitedBuffer, liveOut, liveErr io.Writer) {
	for _, p := range []struct {
		f    *os.File
		buf  *limitedBuffer
		live io.Writer
	}{{c.stdout, stdout, liveOut}, {c.stderr, stderr, liveErr}} {
		if _, err := p.f.Seek(0, io.SeekStart); err != nil {
			continue
		}
		// A descendant may keep writing; read a bounded snapshot.
		_, _ = io.Copy(tee(p.buf, p.live), io.LimitReader(p.f, int64(p.buf.remaining)+1))
	}
}

func (c *captureFiles) Close() {
	_ = c.stdout.Close()
	_ = c.stderr.Close()
}
