package country

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"
)

//go:embed data/iso3166.csv data/aliases.csv data/aggregates.txt
var dataFS embed.FS

// tables is the parsed, immutable content of the embedded data files.
type tables struct {
	// names maps alpha-3 code to the canonical display name.
	names map[string]string
	// byName maps a cleaned canonical name to its code.
	byName map[string]string
	// aliases maps a cleaned alias to its code.
	aliases map[string]string
	// aggregates is the set of cleaned aggregate names.
	aggregates map[string]struct{}
}

var loadTables = sync.OnceValues(func() (*tables, error) {
	t := &tables{
		names:      map[string]string{},
		byName:     map[string]string{},
		aliases:    map[string]string{},
		aggregates: map[string]struct{}{},
	}

	iso, err := readPairs("data/iso3166.csv")
	if err != nil {
		return nil, err
	}
	for _, p := range iso {
		code := CleanCode(p[0])
		if !isAlpha3(code) {
			return nil, fmt.Errorf("country: iso3166.csv: bad code %q", p[0])
		}
		t.names[code] = p[1]
		t.byName[Clean(p[1])] = code
	}

	aliases, err := readPairs("data/aliases.csv")
	if err != nil {
		return nil, err
	}
	for _, p := range aliases {
		if err := t.addAlias(p[0], p[1]); err != nil {
			return nil, fmt.Errorf("country: aliases.csv: %w", err)
		}
	}

	raw, err := dataFS.ReadFile("data/aggregates.txt")
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t.aggregates[Clean(line)] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
})

// addAlias registers alias -> code. An alias that already points elsewhere is
// an error; pointing at the same code again is fine.
func (t *tables) addAlias(alias, code string) error {
	key := Clean(alias)
	code = CleanCode(code)
	if key == "" {
		return fmt.Errorf("empty alias for %s", code)
	}
	if _, ok := t.names[code]; !ok {
		return fmt.Errorf("alias %q targets unknown code %q", alias, code)
	}
	if prev, ok := t.aliases[key]; ok && prev != code {
		return fmt.Errorf("alias %q maps to both %s and %s", alias, prev, code)
	}
	t.aliases[key] = code
	return nil
}

// clone returns a copy whose alias map can be extended without touching the
// shared tables.
func (t *tables) clone() *tables {
	c := *t
	c.aliases = make(map[string]string, len(t.aliases))
	for k, v := range t.aliases {
		c.aliases[k] = v
	}
	return &c
}

// readPairs reads a two-column CSV with a header row.
func readPairs(name string) ([][2]string, error) {
	raw, err := dataFS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = 2

	var out [][2]string
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("country: %s: %w", name, err)
		}
		if first {
			first = false
			continue
		}
		out = append(out, [2]string{rec[0], rec[1]})
	}
}
