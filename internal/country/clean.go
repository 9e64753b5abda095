package country

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var labelReplacer = strings.NewReplacer(
	"&", " and ",
	"’", "'",
	"‘", "'",
	"`", "'",
	"\u00a0", " ",
	"_", " ",
)

// Clean folds a free-text country label into the form used as a lookup key:
// surrounding space trimmed, case folded, diacritics removed, "&" spelled out
// and inner whitespace collapsed.
//
// Clean("  Côte d’Ivoire ") == "cote d'ivoire"
// Clean("Bosnia & Herzegovina") == "bosnia and herzegovina"
func Clean(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return ""
	}
	// The transformer is stateful, so each call builds its own chain.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	} else {
		s = strings.ToLower(s)
	}
	s = labelReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// CleanCode upper-cases and trims an identifier code.
func CleanCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// isAlpha3 reports whether code has the shape of an ISO alpha-3 code.
func isAlpha3(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
