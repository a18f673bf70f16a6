package security

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/validate"
)

// Invocation is a fully validated command produced by a dedicated wrapper.
type Invocation struct {
	Executable string
	Args       []string
	Privileged bool
	Category   domain.Category
}

// Request converts the invocation into a CommandRequest.
func (i Invocation) Request(opts ...domain.RequestOption) domain.CommandRequest {
	base := []domain.RequestOption{domain.WithCategory(i.Category)}
	if i.Privileged {
		base = append(base, domain.WithPrivilege())
	}
	return domain.NewCommandRequest(i.Executable, i.Args, append(base, opts...)...)
}

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// serviceActions maps each permitted systemctl action to whether it
// changes system state.
var serviceActions = map[string]bool{
	"start":      true,
	"stop":       true,
	"restart":    true,
	"enable":     true,
	"disable":    true,
	"is-active":  false,
	"is-enabled": false,
	"status":     false,
	"show":       false,
}

// ServiceCommand validates a systemctl call. Query actions run unprivileged
// for any well-formed service name; mutating actions require the service to
// be whitelisted and run privileged.
func (g *Gate) ServiceCommand(action, service string) (Invocation, error) {
	mutating, ok := serviceActions[action]
	if !ok {
		return Invocation{}, &domain.AuthorizationError{Reason: domain.ReasonActionNotWhitelisted, Executable: "systemctl"}
	}
	if len(service) > 256 || !serviceNamePattern.MatchString(service) || strings.HasPrefix(service, "-") {
		return Invocation{}, &domain.ValidationError{Reason: domain.ReasonInvalidServiceName, Field: "service"}
	}
	if mutating {
		if _, ok := g.services[service]; !ok {
			return Invocation{}, &domain.AuthorizationError{Reason: domain.ReasonServiceNotWhitelisted, Executable: "systemctl"}
		}
	}
	if d := g.authorizeDedicated("systemctl"); !d.Allowed {
		return Invocation{}, d.Err()
	}

	args := []string{action, service}
	if !mutating {
		args = []string{action, "--no-pager", service}
	}
	return Invocation{
		Executable: "systemctl",
		Args:       args,
		Privileged: mutating,
		Category:   domain.CategoryServiceControl,
	}, nil
}

// MountSpec describes a mount request.
type MountSpec struct {
	Source  string
	Target  string
	FSType  string   // Ignored for bind mounts.
	Options []string // Each must be whitelisted.
	Bind    bool
}

// pseudoFilesystems may use their type name as the mount source.
var pseudoFilesystems = map[string]struct{}{
	"tmpfs": {}, "proc": {}, "sysfs": {}, "devtmpfs": {}, "overlay": {},
}

// MountCommand validates a mount call. Paths go through the same traversal
// checks as any other path; filesystem type and options must be whitelisted.
func (g *Gate) MountCommand(spec MountSpec) (Invocation, error) {
	target := validate.PathSyntax(spec.Target)
	if !target.OK() {
		return Invocation{}, target.Err("target")
	}

	source := spec.Source
	_, pseudo := pseudoFilesystems[spec.FSType]
	if !(pseudo && !spec.Bind && source == spec.FSType) {
		out := validate.PathSyntax(source)
		if !out.OK() {
			return Invocation{}, out.Err("source")
		}
		source = out.Value()
	}

	var opts []string
	for _, o := range spec.Options {
		for _, part := range strings.Split(o, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := g.mountOptions[part]; !ok {
				return Invocation{}, &domain.AuthorizationError{Reason: domain.ReasonMountOptionNotWhitelisted, Executable: "mount"}
			}
			opts = append(opts, part)
		}
	}

	var args []string
	if spec.Bind {
		args = append(args, "--bind")
	} else {
		if _, ok := g.fsTypes[spec.FSType]; !ok {
			return Invocation{}, &domain.AuthorizationError{Reason: domain.ReasonFilesystemNotWhitelisted, Executable: "mount"}
		}
		args = append(args, "-t", spec.FSType)
	}
	if len(opts) > 0 {
		args = append(args, "-o", strings.Join(opts, ","))
	}
	if d := g.authorizeDedicated("mount"); !d.Allowed {
		return Invocation{}, d.Err()
	}
	args = append(args, "--", source, target.Value())

	return Invocation{
		Executable: "mount",
		Args:       args,
		Privileged: true,
		Category:   domain.CategoryMountControl,
	}, nil
}

// UnmountCommand validates an umount call. Protected system mount points
// can never be unmounted, whether named directly or through a symlink.
// The argv carries the resolved path so umount acts on what was checked.
func (g *Gate) UnmountCommand(target string, force, lazy bool) (Invocation, error) {
	out := validate.PathSyntax(target)
	if !out.OK() {
		return Invocation{}, out.Err("target")
	}
	clean := filepath.Clean(out.Value())
	resolved, err := resolveExisting(clean)
	if err != nil {
		return Invocation{}, &domain.ValidationError{Reason: domain.ReasonInvalidArgument, Field: "target"}
	}
	for _, p := range []string{clean, resolved} {
		if _, ok := g.protectedMounts[p]; ok {
			return Invocation{}, &domain.AuthorizationError{Reason: domain.ReasonProtectedMountPoint, Executable: "umount"}
		}
	}
	if d := g.authorizeDedicated("umount"); !d.Allowed {
		return Invocation{}, d.Err()
	}

	var args []string
	if force {
		args = append(args, "-f")
	}
	if lazy {
		args = append(args, "-l")
	}
	args = append(args, "--", resolved)

	return Invocation{
		Executable: "umount",
		Args:       args,
		Privileged: true,
		Category:   domain.CategoryMountControl,
	}, nil
}

// resolveExisting follows symlinks in p. A missing final element cannot be
// a link, so only its existing parents are resolved.
func resolveExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || p == "/" {
		return "", err
	}
	parent, err := resolveExisting(filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}

// AuthorizeInvocation re-checks an invocation produced by a dedicated
// wrapper. The engine calls it instead of Authorize for wrapper output.
func (g *Gate) AuthorizeInvocation(inv Invocation) Decision {
	return g.authorizeDedicated(inv.Executable)
}
