package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD, used for secrets fed into key derivation.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// FoldIdentifier canonicalizes a user-supplied identifier such as an email
// address: trimmed, NFKC-composed and case-folded.
func FoldIdentifier(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	return cases.Fold().String(s)
}
