package metric

import (
	"math"
	"strconv"
	"strings"
)

// Coverage is the numeric share of one candidate column.
type Coverage struct {
	Index    int
	Column   string
	Numeric  int
	Total    int
	Fraction float64
}

// Score counts how many values parse as finite numbers. Empty cells count as
// non-numeric; the denominator is the full sample.
func Score(values []string) (numeric, total int) {
	for _, v := range values {
		if _, ok := ParseNumber(v); ok {
			numeric++
		}
	}
	return numeric, len(values)
}

// ParseNumber parses a metric cell. Thousands separators are not accepted:
// "1,234" is ambiguous across locales and OWID never writes them.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsRune(s, ',') {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func fraction(numeric, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(numeric) / float64(total)
}
