// Package textnorm folds text for accent- and case-insensitive matching of
// French and English civic data.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips combining marks, so "Crédits" and
// "credits" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ContainsAny returns the first of needles found in haystack after folding
// both, or "".
func ContainsAny(haystack string, needles []string) string {
	h := Fold(haystack)
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(h, Fold(n)) {
			return n
		}
	}
	return ""
}
