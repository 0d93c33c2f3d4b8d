package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const utf8BOM = "\ufeff"

var charReplacer = strings.NewReplacer(
	"\u2018", "'", "\u2019", "'", "\u201c", "\"", "\u201d", "\"",
	"\u2013", "-", "\u2014", "--", "\u2026", "...", "\u00a0", " ",
)

// CleanText folds typographic punctuation to ASCII and collapses control
// characters and whitespace runs to single spaces.
func CleanText(s string) string {
	s = strings.TrimPrefix(s, utf8BOM)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	s = charReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
