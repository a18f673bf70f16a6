package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/warden/internal/domain"
)

// ErrExecutableNotFound is returned by Resolve when a whitelisted name is
// not installed in any trusted directory.
var ErrExecutableNotFound = errors.New("executable not found in trusted directories")

// Policy lists which executables may run.
//
// Evaluation is deny-first: executables in Dedicated are always denied
// direct access. Then Allowed must contain the name; an empty Allowed list
// denies everything. Privileged is intersected with Allowed, so privileged
// execution is never granted to more executables than plain execution.
type Policy struct {
	Allowed    []string `json:"allowed" yaml:"allowed"`
	Privileged []string `json:"privileged" yaml:"privileged"`
	Dedicated  []string `json:"dedicated" yaml:"dedicated"`

	// TrustedDirs are the only directories executables are loaded from.
	TrustedDirs []string `json:"trusted_dirs" yaml:"trusted_dirs"`

	// Argument whitelists for the dedicated wrappers.
	Services        []string `json:"services" yaml:"services"`
	FilesystemTypes []string `json:"filesystem_types" yaml:"filesystem_types"`
	MountOptions    []string `json:"mount_options" yaml:"mount_options"`
	ProtectedMounts []string `json:"protected_mounts" yaml:"protected_mounts"`
}

// DefaultPolicy returns the built-in whitelist: the package manager and its
// cache helper plus a few read-only diagnostics. Only pacman and paccache
// may run privileged.
func DefaultPolicy() Policy {
	return Policy{
		Allowed:     []string{"pacman", "paccache", "checkupdates", "pacman-conf", "xdg-open", "which", "uname"},
		Privileged:  []string{"pacman", "paccache"},
		Dedicated:   []string{"systemctl", "mount", "umount"},
		TrustedDirs: []string{"/usr/bin", "/usr/sbin", "/bin", "/sbin"},
		Services: []string{
			"apparmor", "apparmor.service",
			"arch-smart-update-checker.service", "arch-smart-update-checker.timer",
		},
		FilesystemTypes: []string{
			"ext4", "ext3", "ext2", "xfs", "btrfs", "vfat", "ntfs",
			"tmpfs", "proc", "sysfs", "devtmpfs", "overlay",
		},
		MountOptions: []string{
			"ro", "rw", "noexec", "nosuid", "nodev", "relatime", "noatime",
			"nodiratime", "sync", "async", "defaults",
		},
		ProtectedMounts: []string{
			"/", "/boot", "/home", "/usr", "/var", "/etc", "/dev", "/proc", "/sys", "/run", "/tmp",
		},
	}
}

// Decision is the result of Authorize.
type Decision struct {
	Allowed    bool
	Reason     domain.Reason
	Executable string // Bare executable name the decision applies to.
}

// Err returns a *domain.AuthorizationError for denials, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.AuthorizationError{Reason: d.Reason, Executable: d.Executable}
}

// Gate authorizes executables against a fixed Policy. It is immutable after
// construction and safe for concurrent use.
type Gate struct {
	allowed     map[string]struct{}
	privileged  map[string]struct{}
	dedicated   map[string]struct{}
	trustedDirs []string
	stat        func(string) (fs.FileInfo, error)

	services        map[string]struct{}
	fsTypes         map[string]struct{}
	mountOptions    map[string]struct{}
	protectedMounts map[string]struct{}
}

// NewGate builds a Gate from p.
func NewGate(p Policy) *Gate {
	g := &Gate{
		allowed:    toSet(p.Allowed),
		privileged: make(map[string]struct{}),
		dedicated:  toSet(p.Dedicated),
		stat:       os.Stat,

		services:        toSet(p.Services),
		fsTypes:         toSet(p.FilesystemTypes),
		mountOptions:    toSet(p.MountOptions),
		protectedMounts: toSet(p.ProtectedMounts),
	}
	for _, name := range p.Privileged {
		if _, ok := g.allowed[name]; ok {
			g.privileged[name] = struct{}{}
		}
	}
	for _, m := range p.ProtectedMounts {
		// Some systems link a protected mount elsewhere (/home -> /var/home).
		if resolved, err := filepath.EvalSymlinks(m); err == nil {
			g.protectedMounts[resolved] = struct{}{}
		}
	}
	for _, d := range p.TrustedDirs {
		if filepath.IsAbs(d) {
			g.trustedDirs = append(g.trustedDirs, filepath.Clean(d))
		}
	}
	return g
}

// Authorize decides whether executable may run, optionally privileged.
// executable is a bare name or an absolute path inside a trusted directory.
func (g *Gate) Authorize(executable string, privileged bool) Decision {
	name, ok := g.identity(executable)
	if !ok {
		return Decision{Reason: domain.ReasonExecutableNotWhitelisted, Executable: executable}
	}
	if _, ok := g.dedicated[name]; ok {
		return Decision{Reason: domain.ReasonDedicatedWrapperRequired, Executable: name}
	}
	if _, ok := g.allowed[name]; !ok {
		return Decision{Reason: domain.ReasonExecutableNotWhitelisted, Executable: name}
	}
	if privileged {
		if _, ok := g.privileged[name]; !ok {
			return Decision{Reason: domain.ReasonPrivilegeNotPermitted, Executable: name}
		}
	}
	return Decision{Allowed: true, Executable: name}
}

// authorizeDedicated admits only the executables reserved for dedicated
// wrappers. Callers must have validated the arguments already.
func (g *Gate) authorizeDedicated(executable string) Decision {
	name, ok := g.identity(executable)
	if !ok {
		return Decision{Reason: domain.ReasonExecutableNotWhitelisted, Executable: executable}
	}
	if _, ok := g.dedicated[name]; !ok {
		return Decision{Reason: domain.ReasonExecutableNotWhitelisted, Executable: name}
	}
	return Decision{Allowed: true, Executable: name}
}

// Resolve returns the absolute path of name within the trusted directories.
// $PATH is never consulted.
func (g *Gate) Resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, ok := g.identity(name); !ok {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
		}
		if info, err := g.stat(name); err == nil && isExecutable(info) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	for _, dir := range g.trustedDirs {
		candidate := filepath.Join(dir, name)
		if info, err := g.stat(candidate); err == nil && isExecutable(info) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
}

// IsDedicated reports whether name is reserved for a dedicated wrapper.
func (g *Gate) IsDedicated(name string) bool {
	_, ok := g.dedicated[name]
	return ok
}

// AllowedExecutables returns the sorted whitelist.
func (g *Gate) AllowedExecutables() []string {
	out := make([]string, 0, len(g.allowed))
	for name := range g.allowed {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// identity reduces executable to its bare name. Absolute paths must live
// directly in a trusted directory; relative paths with separators are
// never accepted.
func (g *Gate) identity(executable string) (string, bool) {
	if executable == "" || strings.ContainsAny(executable, "\x00\n") {
		return "", false
	}
	if !strings.ContainsRune(executable, '/') {
		return executable, true
	}
	if !filepath.IsAbs(executable) {
		return "", false
	}
	clean := filepath.Clean(executable)
	if clean != executable {
		return "", false
	}
	if !slices.Contains(g.trustedDirs, filepath.Dir(clean)) {
		return "", false
	}
	return filepath.Base(clean), true
}

func isExecutable(info fs.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			m[it] = struct{}{}
		}
	}
	return m
}
