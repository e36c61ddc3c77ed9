// Package keying derives the stable identity keys that tie an activity
// to its progress and weld counters across imports, caches and the
// shared remote store.
package keying

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s, strips diacritics and collapses every run of
// characters outside [a-z0-9] into a single underscore. Two names that
// differ only in case, accents or punctuation normalize identically.
func Normalize(s string) string {
	clean, _, err := transform.String(deaccent, s)
	if err != nil {
		clean = s
	}
	clean = strings.ToLower(clean)

	var b strings.Builder
	b.Grow(len(clean))
	pendingSep := false
	for _, r := range clean {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep {
				b.WriteByte('_')
				pendingSep = false
			}
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			pendingSep = true
		}
	}
	return b.String()
}

// Derive builds the identity key for an activity from its external
// schedule id and display name. The same id/name pair always yields the
// same key regardless of accents, case or spacing in the name.
func Derive(externalID, name string) string {
	return strings.TrimSpace(externalID) + "_" + Normalize(name)
}
