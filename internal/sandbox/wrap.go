package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrEmptyCommand is returned when there is nothing to wrap or run.
var ErrEmptyCommand = errors.New("empty command")

// systemReadOnly are mounted read-only at every wrapped level.
var systemReadOnly = []string{"/usr", "/etc", "/bin", "/sbin", "/lib", "/lib64", "/opt", "/var/lib/pacman"}

// Wrap returns the argument vector to spawn for argv under p. When the
// profile is not wrapped the command is returned unchanged.
func Wrap(p Profile, argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if !p.Wrapped() {
		return append([]string(nil), argv...), nil
	}
	for _, path := range append(append([]string(nil), p.ReadOnly...), p.Writable...) {
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("sandbox path %q is not absolute", path)
		}
	}

	var args []string
	switch p.Backend.Kind {
	case BackendBubblewrap:
		args = bwrapArgs(p)
	case BackendFirejail:
		args = firejailArgs(p)
	default:
		return nil, fmt.Errorf("unsupported sandbox backend %q", p.Backend.Kind)
	}

	out := make([]string, 0, len(args)+len(argv)+2)
	out = append(out, p.Backend.Path)
	out = append(out, args...)
	out = append(out, "--")
	return append(out, argv...), nil
}

// bwrapArgs builds bubblewrap options. Missing host paths are skipped with
// the -try variants.
func bwrapArgs(p Profile) []string {
	args := []string{"--unshare-all", "--die-with-parent", "--new-session"}
	if p.Network {
		args = append(args, "--share-net")
	}
	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")

	for _, path := range systemReadOnly {
		args = append(args, "--ro-bind-try", path, path)
	}
	if p.Network {
		// Name resolution needs the resolver config behind /etc symlinks.
		args = append(args, "--ro-bind-try", "/run/systemd/resolve", "/run/systemd/resolve")
	}
	if p.Level >= LevelStrict {
		args = append(args, "--tmpfs", "/var/tmp")
	}
	for _, path := range p.ReadOnly {
		args = append(args, "--ro-bind-try", path, path)
	}
	for _, path := range p.Writable {
		args = append(args, "--bind-try", path, path)
	}
	return args
}

// firejailArgs builds firejail options for the profile level.
func firejailArgs(p Profile) []string {
	args := []string{
		"--noprofile", "--quiet", "--nonewprivs", "--nogroups",
		"--caps.drop=all", "--seccomp", "--private-tmp",
	}
	if !p.Network {
		args = append(args, "--net=none")
	}
	if p.Level >= LevelStrict {
		args = append(args, "--private-dev", "--nodbus", "--machine-id", "--noroot", "--nosound")
	}
	if p.Level == LevelParanoid && len(p.Writable) == 1 {
		args = append(args, "--private="+p.Writable[0])
	} else {
		for _, path := range p.Writable {
			args = append(args, "--whitelist="+path)
		}
	}
	for _, path := range p.ReadOnly {
		args = append(args, "--whitelist="+path, "--read-only="+path)
	}
	return args
}
