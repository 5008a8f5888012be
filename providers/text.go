package providers

import (
	"regexp"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ligatures = strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
	)
	whitespace = regexp.MustCompile("[\\s\u00a0]+")
)

// CleanText prepares a feed title or abstract for storage: ligatures are
// expanded, the text is NFC normalized and whitespace runs (including line
// breaks and NBSP) become single spaces.
func CleanText(s string) string {
	s = ligatures.Replace(s)
	if normalized, _, err := transform.String(norm.NFC, s); err == nil {
		s = normalized
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
