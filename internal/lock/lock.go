// Package lock implements the process-wide single-instance lock. It is
// acquired once at startup and released at exit; a second process asking
// for the same mode fails immediately.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/warden/internal/security"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

var modePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// InstanceLock is a held lock. Release it exactly once.
type InstanceLock struct {
	path string
	file *os.File
}

// Options configures Acquire.
type Options struct {
	// Dir holds the lock file. "" = RuntimeDir().
	Dir string

	// Recorder receives a multiple_instance_attempt event when the lock is
	// held elsewhere. May be nil.
	Recorder security.Recorder
}

// RuntimeDir returns /run/user/<uid> when it exists, else the OS temp dir.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	dir := filepath.Join("/run/user", strconv.Itoa(unix.Getuid()))
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return os.TempDir()
}

// Acquire takes the lock for mode without blocking.
func Acquire(ctx context.Context, mode string, opts Options) (*InstanceLock, error) {
	if !modePattern.MatchString(mode) {
		return nil, fmt.Errorf("invalid lock mode %q", mode)
	}
	dir := opts.Dir
	if dir == "" {
		dir = RuntimeDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	path := filepath.Join(dir, ".warden-"+mode+".lock")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	// An existing file may have been created with looser permissions.
	_ = f.Chmod(0o600)

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readPID(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if opts.Recorder != nil {
				opts.Recorder.Record(ctx, security.Event{
					Kind:     security.KindMultipleInstance,
					Severity: security.SeverityWarning,
					Context: map[string]any{
						"mode":         mode,
						"existing_pid": holder,
						"current_pid":  os.Getpid(),
					},
				})
			}
			if holder != "" {
				return nil, fmt.Errorf("%w (mode %s, pid %s)", ErrAlreadyRunning, mode, holder)
			}
			return nil, fmt.Errorf("%w (mode %s)", ErrAlreadyRunning, mode)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if err := writePID(f); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return &InstanceLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never
	// locks a file that is about to disappear.
	rmErr := os.Remove(l.path)
	unErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	clErr := l.file.Close()
	l.file = nil
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", rmErr)
	}
	return errors.Join(unErr, clErr)
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

func readPID(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid := strings.TrimSpace(string(buf[:n]))
	if _, err := strconv.Atoi(pid); err != nil {
		return ""
	}
	return pid
}
