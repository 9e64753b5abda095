package preprocess

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"okavango/internal/model"
)

const hashSep = "\x1f"

// RowHash is a deterministic SHA-256 over a record's content, hex encoded.
//
// Canonical form:
//   - Every source value in column order, joined by 0x1f.
//   - Empty values are encoded as a single NUL byte so "" never collides with
//     a shifted neighbour.
//   - Records built without Values (tests, synthetic input) hash their role
//     fields instead.
//
// The line number is not part of the hash: two identical lines are duplicates.
func RowHash(r model.RawRecord) string {
	sum := hashRecord(r)
	return hex.EncodeToString(sum[:])
}

func hashRecord(r model.RawRecord) [sha256.Size]byte {
	fields := r.Values
	if len(fields) == 0 {
		fields = []string{r.Entity, r.Code, r.YearText, r.MetricText}
	}

	var b strings.Builder
	b.Grow(len(fields) * 16)
	for i, v := range fields {
		if i > 0 {
			b.WriteString(hashSep)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			b.WriteByte('\x00')
			continue
		}
		b.WriteString(v)
	}
	return sha256.Sum256([]byte(b.String()))
}
