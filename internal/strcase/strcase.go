// Package strcase splits identifiers into words.
package strcase

import (
	"unicode"
	"unicode/utf8"
)

// Split an identifier into its constituent words.
//
// Transitions between lower and upper case, letters and digits, and runs of other characters all start a new
// word. Runs of upper case letters followed by a lower case letter are split before the final upper case letter,
// so "HTTPServer" becomes ["HTTP", "Server"].
func Split(src string) (entries []string) {
	if !utf8.ValidString(src) {
		return []string{src}
	}
	var runes [][]rune
	lastClass := 0
	for _, r := range src {
		var class int
		switch {
		case unicode.IsLower(r):
			class = 1
		case unicode.IsUpper(r):
			class = 2
		case unicode.IsDigit(r):
			class = 3
		default:
			class = 4
		}
		if class == lastClass {
			runes[len(runes)-1] = append(runes[len(runes)-1], r)
		} else {
			runes = append(runes, []rune{r})
		}
		lastClass = class
	}
	// Move the last upper case letter of a run onto a following lower case run.
	for i := 0; i < len(runes)-1; i++ {
		if unicode.IsUpper(runes[i][0]) && unicode.IsLower(runes[i+1][0]) {
			runes[i+1] = append([]rune{runes[i][len(runes[i])-1]}, runes[i+1]...)
			runes[i] = runes[i][:len(runes[i])-1]
		}
	}
	for _, s := range runes {
		if len(s) > 0 {
			entries = append(entries, string(s))
		}
	}
	return entries
}
