package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultMaxFieldLength = 512
	truncationMarker      = "...[truncated]"
	maxContextKeys        = 32
)

// redaction replaces a pattern match with a placeholder.
type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// redactions run in order; more specific patterns come first.
var redactions = []redaction{
	{regexp.MustCompile(`-----BEGIN [^-]+-----[\s\S]*?-----END [^-]+-----`), "[KEY_MATERIAL]"},
	{regexp.MustCompile(`(?i)\b(?:https?|ftp|sftp)://[^\s:/@]+:[^\s@]+@`), "[PROTOCOL]://[CREDENTIALS]@"},
	{regexp.MustCompile(`(?i)\b(?:mysql|postgres(?:ql)?|sqlite|mongodb)://\S+`), "[DATABASE_URL]"},
	{regexp.MustCompile(`(?i)\bbearer\s+\S+`), "bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)\b(password|passwd|token|api_?key|secret|auth|authorization|session|cookie|csrf|nonce)(["'\s]*[:=]["'\s]*)[^\s"',;]+`), "${1}${2}[REDACTED]"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`/home/[^/\s]+`), "/home/[USER]"},
	{regexp.MustCompile(`/Users/[^/\s]+`), "/Users/[USER]"},
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP_ADDRESS]"},
	{regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`), "[HEX_STRING]"},
	{regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`), "[BASE64_DATA]"},
}

// secretKeys are context keys whose values are dropped entirely.
var secretKeys = []string{
	"password", "passwd", "passphrase", "token", "secret", "api_key", "apikey",
	"credential", "cookie", "session", "authorization", "private_key",
}

// Sanitizer scrubs values before they are written to the security log.
// It holds no mutable state.
type Sanitizer struct {
	maxLen int
}

// NewSanitizer creates a Sanitizer that truncates values longer than
// maxLen bytes. 0 = 512.
func NewSanitizer(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = defaultMaxFieldLength
	}
	return &Sanitizer{maxLen: maxLen}
}

// Value redacts secret-looking substrings, replaces control characters
// (including CR and LF) with spaces, and truncates.
func (s *Sanitizer) Value(v string) string {
	if !utf8.ValidString(v) {
		v = strings.ToValidUTF8(v, "?")
	}
	for _, r := range redactions {
		v = r.pattern.ReplaceAllString(v, r.replacement)
	}
	v = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v)
	return s.truncate(v)
}

// Context converts a raw context map into sanitized strings. Keys are
// normalized to [a-z0-9_.]; keys naming secrets have their value dropped.
// Keys are visited in sorted order, so truncation keeps the same keys for
// the same input.
func (s *Sanitizer) Context(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, min(len(raw), maxContextKeys+1))
	for i, k := range keys {
		if len(out) >= maxContextKeys {
			out["_dropped_keys"] = fmt.Sprintf("%d", len(keys)-i)
			break
		}
		key := sanitizeKey(k)
		if key == "" {
			continue
		}
		if isSecretKey(key) {
			out[key] = "[REDACTED]"
			continue
		}
		out[key] = s.Value(stringify(raw[k]))
	}
	return out
}

func (s *Sanitizer) truncate(v string) string {
	if len(v) <= s.maxLen {
		return v
	}
	cut := s.maxLen
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut] + truncationMarker
}

func sanitizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	var b strings.Builder
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		case r == '-' || r == ' ':
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}

func isSecretKey(key string) bool {
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

var absolutePathPattern = regexp.MustCompile(`(?:^|[\s'"=:(\[])(/[^\s'"\])\x00]+)`)

// SanitizePaths replaces absolute paths in text that fall outside every
// allowed root with "[PATH]". Used on child stderr before it reaches callers.
// The authority of a scheme URL ("https://host/...") is not a path and is
// left alone; the path of a file:/// URL is still checked.
func SanitizePaths(text string, roots []string) string {
	return absolutePathPattern.ReplaceAllStringFunc(text, func(m string) string {
		idx := strings.IndexByte(m, '/')
		prefix, p := m[:idx], m[idx:]
		if prefix == ":" && strings.HasPrefix(p, "//") {
			if !strings.HasPrefix(p, "///") {
				return m
			}
			prefix, p = "://", p[2:]
		}
		for _, root := range roots {
			root = strings.TrimSuffix(root, "/")
			if p == root || strings.HasPrefix(p, root+"/") {
				return m
			}
		}
		return prefix + "[PATH]"
	})
}
