package validate

import (
	"strings"
	"unicode"

	"github.com/jkaninda/warden/internal/domain"
)

// shellMetacharacters never appear in a legitimate argument. Commands are
// spawned without a shell, so this is a second line of defense.
const shellMetacharacters = ";|&$`><\n\r"

// Argument accepts a single command argument free of shell metacharacters and
// control characters, at most MaxArgumentLength bytes.
func Argument(raw string) Outcome {
	if len(raw) > MaxArgumentLength {
		return Rejected(domain.ReasonOversizedInput)
	}
	if strings.ContainsAny(raw, shellMetacharacters) {
		return Rejected(domain.ReasonShellMetacharacter)
	}
	if strings.IndexFunc(raw, unicode.IsControl) >= 0 {
		return Rejected(domain.ReasonControlCharacter)
	}
	return Accepted(raw)
}

// Arguments validates each element and reports the index of the first
// rejection, or -1.
func Arguments(args []string) (Outcome, int) {
	for i, a := range args {
		if out := Argument(a); !out.OK() {
			return out, i
		}
	}
	return Accepted(""), -1
}

// Operand accepts a positional operand that the target program must not
// mistake for an option, such as the URL or path handed to xdg-open.
func Operand(raw string) Outcome {
	out := Argument(raw)
	if !out.OK() {
		return out
	}
	if strings.HasPrefix(raw, "-") {
		return Rejected(domain.ReasonInvalidArgument)
	}
	return out
}
