package validate

import (
	"regexp"

	"github.com/jkaninda/warden/internal/domain"
)

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._+-]*$`)

// PackageName accepts names matching ^[A-Za-z0-9][A-Za-z0-9@._+-]*$ of at
// most MaxPackageNameLength bytes.
func PackageName(raw string) Outcome {
	if raw == "" {
		return Rejected(domain.ReasonEmptyInput)
	}
	if len(raw) > MaxPackageNameLength {
		return Rejected(domain.ReasonOversizedInput)
	}
	if !packageNamePattern.MatchString(raw) {
		return Rejected(domain.ReasonInvalidPackageName)
	}
	return Accepted(raw)
}
