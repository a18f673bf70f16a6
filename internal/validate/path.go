package validate

import (
	"errors"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jkaninda/warden/internal/domain"
)

// Encoded forms of "." and "/" that a lenient decoder downstream could turn
// into a traversal. Compared case-insensitively.
var (
	encodedDots       = []string{"%252e", "%2e", "%c0%ae", "%e0%80%ae"}
	encodedSeparators = []string{"%252f", "%2f", "%255c", "%5c", "%c0%af"}
)

// Path accepts an absolute path that contains no traversal sequences in any
// decoded form and resolves, after symlinks, inside one of the allowed roots.
// The returned value is the resolved path.
func (v *Validator) Path(raw string) Outcome {
	out := PathSyntax(raw)
	if !out.OK() {
		return out
	}

	resolved, err := resolve(out.Value())
	if err != nil {
		return Rejected(domain.ReasonPathOutsideRoots)
	}
	if !v.withinRoots(resolved) {
		return Rejected(domain.ReasonPathOutsideRoots)
	}
	return Accepted(resolved)
}

// PathSyntax performs every path check that does not touch the filesystem:
// length, null bytes, control characters, traversal in the raw, once-decoded,
// twice-decoded, and NFKC-normalized forms, and absoluteness. The returned
// value is the cleaned path.
func PathSyntax(raw string) Outcome {
	if raw == "" {
		return Rejected(domain.ReasonEmptyInput)
	}
	if len(raw) > MaxPathLength {
		return Rejected(domain.ReasonOversizedInput)
	}

	forms := decodedForms(raw)
	for _, form := range forms {
		if strings.ContainsRune(form, 0) {
			return Rejected(domain.ReasonNullByte)
		}
	}
	for _, form := range forms {
		if hasTraversal(form) {
			return Rejected(domain.ReasonPathTraversalAttempt)
		}
	}
	if strings.IndexFunc(raw, unicode.IsControl) >= 0 {
		return Rejected(domain.ReasonControlCharacter)
	}
	if !filepath.IsAbs(raw) {
		return Rejected(domain.ReasonPathNotAbsolute)
	}
	return Accepted(filepath.Clean(raw))
}

// decodedForms returns raw plus every form an attacker could rely on a
// downstream consumer producing. Decoding errors simply drop that form.
func decodedForms(raw string) []string {
	forms := []string{raw, norm.NFKC.String(raw)}
	once, err := url.PathUnescape(raw)
	if err != nil {
		return forms
	}
	forms = append(forms, once, norm.NFKC.String(once))
	twice, err := url.PathUnescape(once)
	if err != nil {
		return forms
	}
	return append(forms, twice, norm.NFKC.String(twice))
}

func hasTraversal(p string) bool {
	p = strings.ToLower(p)
	for _, enc := range encodedDots {
		p = strings.ReplaceAll(p, enc, ".")
	}
	for _, enc := range encodedSeparators {
		p = strings.ReplaceAll(p, enc, "/")
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if strings.Count(seg, ".") >= 2 && strings.Trim(seg, ". ") == "" {
			return true
		}
	}
	return false
}

// resolve evaluates symlinks. For a path that does not exist yet, the
// deepest existing ancestor is resolved and the remainder re-attached.
func resolve(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return "", err
	}
	base, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(p)), nil
}

func (v *Validator) withinRoots(p string) bool {
	for _, root := range v.roots {
		if p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}
