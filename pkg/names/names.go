// Package names provides the canonical name form and the similarity score
// used by every matcher in the pipeline. Both matchers must agree on these,
// so nothing outside this package may normalize or score names itself.
package names

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"github.com/xrash/smetrics"
)

// Normalize reduces a place name to its canonical comparable form:
// lowercase, diacritics folded to base Latin letters, alphanumeric runs
// separated by single spaces, no leading or trailing whitespace.
// It never fails; empty input yields the empty string.
func Normalize(name string) string {
	if name == "" {
		return ""
	}

	folded := unidecode.Unidecode(strings.ToLower(strings.TrimSpace(name)))

	var b strings.Builder
	b.Grow(len(folded))
	prevSpace := true // swallow leading separators
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		} else if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Ratio returns the normalized indel similarity of two strings in [0, 100].
// It is the classic fuzz.ratio: an edit distance where substitutions cost
// two (insert + delete), scaled by the combined length.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 100
	}

	dist := smetrics.WagnerFischer(a, b, 1, 1, 2)
	return 100 * (1 - float64(dist)/float64(len(a)+len(b)))
}
