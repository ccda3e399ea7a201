package utils

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var folder = cases.Fold()

// NormalizeTitle folds width and case, applies NFKC and collapses every run of
// punctuation or spaces to a single space
func NormalizeTitle(title string) string {
	s := width.Fold.String(title)
	s = norm.NFKC.String(s)
	s = folder.String(s)

	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// TitleMatches reports whether candidate names the series. The normalised series title (or an
// alias) must appear in the candidate, or be within maxDistance edits of the candidate's
// leading words.
func TitleMatches(candidate string, names []string, maxDistance int) bool {
	c := NormalizeTitle(candidate)
	if c == "" {
		return false
	}
	words := strings.Fields(c)

	for _, name := range names {
		n := NormalizeTitle(name)
		if n == "" {
			continue
		}
		if strings.Contains(c, n) {
			return true
		}
		count := len(strings.Fields(n))
		if count > len(words) {
			continue
		}
		prefix := strings.Join(words[:count], " ")
		if levenshtein.ComputeDistance(prefix, n) <= maxDistance {
			return true
		}
	}
	return false
}
