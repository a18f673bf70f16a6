// Package validate checks untrusted input against strict grammars before it
// can reach an external program.
//
// Every check returns an Outcome instead of an error so call sites must
// branch on rejection explicitly. Validators hold no mutable state: the same
// raw input always yields the same Outcome.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/warden/internal/domain"
)

// Input length caps. Anything longer is rejected before parsing.
const (
	MaxPackageNameLength = 100
	MaxURLLength         = 2048
	MaxPathLength        = 4096
	MaxArgumentLength    = 1024
)

// Kind selects which grammar Validate applies.
type Kind int

const (
	KindPackageName Kind = iota
	KindURL
	KindPath
	KindArgument
)

func (k Kind) String() string {
	switch k {
	case KindPackageName:
		return "package"
	case KindURL:
		return "url"
	case KindPath:
		return "path"
	case KindArgument:
		return "arg"
	default:
		return "unknown"
	}
}

// ParseKind converts a CLI-friendly name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "package", "package-name", "pkg":
		return KindPackageName, nil
	case "url":
		return KindURL, nil
	case "path", "file":
		return KindPath, nil
	case "arg", "argument":
		return KindArgument, nil
	default:
		return 0, fmt.Errorf("unknown validation kind %q (use package, url, path, or arg)", s)
	}
}

// Outcome is either Accepted(value) or Rejected(reason). Never both.
type Outcome struct {
	accepted bool
	value    string
	reason   domain.Reason
}

// Accepted wraps a sanitized value.
func Accepted(value string) Outcome {
	return Outcome{accepted: true, value: value}
}

// Rejected wraps a reason code.
func Rejected(reason domain.Reason) Outcome {
	return Outcome{reason: reason}
}

// OK reports whether the input was accepted.
func (o Outcome) OK() bool { return o.accepted }

// Value returns the sanitized value. Empty for rejected outcomes.
func (o Outcome) Value() string { return o.value }

// Reason returns the rejection reason. Empty for accepted outcomes.
func (o Outcome) Reason() domain.Reason { return o.reason }

// Err converts a rejection into a *domain.ValidationError for field, or nil.
func (o Outcome) Err(field string) error {
	if o.accepted {
		return nil
	}
	return &domain.ValidationError{Reason: o.reason, Field: field}
}

func (o Outcome) String() string {
	if o.accepted {
		return fmt.Sprintf("accepted(%s)", o.value)
	}
	return fmt.Sprintf("rejected(%s)", o.reason)
}

// Config holds the allow-lists the URL and path validators check against.
type Config struct {
	TrustedDomains []string
	AllowedRoots   []string
}

// Validator applies the configured allow-lists. Safe for concurrent use;
// it is never mutated after New returns.
type Validator struct {
	trusted map[string]struct{}
	roots   []string
}

// New builds a Validator. Allowed roots are cleaned and symlink-resolved once
// so that later comparisons happen on canonical paths. Roots that do not
// exist are kept in cleaned form.
func New(cfg Config) *Validator {
	v := &Validator{trusted: make(map[string]struct{}, len(cfg.TrustedDomains))}
	for _, d := range cfg.TrustedDomains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			v.trusted[d] = struct{}{}
		}
	}
	for _, r := range cfg.AllowedRoots {
		r = expandHome(strings.TrimSpace(r))
		if r == "" || !filepath.IsAbs(r) {
			continue
		}
		r = filepath.Clean(r)
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			r = resolved
		}
		v.roots = append(v.roots, r)
	}
	return v
}

// Roots returns the canonical allowed roots.
func (v *Validator) Roots() []string {
	return append([]string(nil), v.roots...)
}

// Validate dispatches raw to the grammar selected by kind.
func (v *Validator) Validate(kind Kind, raw string) Outcome {
	switch kind {
	case KindPackageName:
		return PackageName(raw)
	case KindURL:
		return v.URL(raw)
	case KindPath:
		return v.Path(raw)
	case KindArgument:
		return Argument(raw)
	default:
		return Rejected(domain.ReasonInvalidArgument)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, p[1:])
	}
	return p
}
