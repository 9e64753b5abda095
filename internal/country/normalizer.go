// Package country resolves free-text country labels and optional codes to a
// canonical model.CountryID.
//
// Resolution is layered. Layers run in a fixed order and the first one that
// answers wins:
//
//  1. code:      a known ISO alpha-3 code (or a curated publisher code alias)
//  2. name:      the cleaned label equals a canonical ISO name
//  3. alias:     the cleaned label is a curated alternative name
//  4. aggregate: the label or code denotes a non-country grouping
//
// Anything left over is an *UnresolvedError. A Normalizer holds only
// immutable tables, so one value can be shared by concurrent pipelines.
package country

import (
	"fmt"
	"sort"
	"strings"

	"okavango/internal/model"
)

// Layer names, as reported in Resolution.Layer.
const (
	LayerCode      = "code"
	LayerName      = "name"
	LayerAlias     = "alias"
	LayerAggregate = "aggregate"
)

// Resolution is the outcome of a successful Normalize call.
//
// Exactly one of ID != "" and Aggregate holds.
type Resolution struct {
	ID        model.CountryID
	Aggregate bool
	Layer     string
}

// Layer is one resolution strategy. Resolve returns ok=false to pass the
// input on to the next layer.
type Layer interface {
	Name() string
	Resolve(label, code string) (Resolution, bool)
}

// Options extends the built-in tables.
type Options struct {
	// Aliases maps extra labels to alpha-3 codes. Targets must be known codes.
	Aliases map[string]string

	// CodeAliases maps non-ISO publisher codes of real countries to alpha-3
	// codes. Defaults include OWID_KOS -> XKX and the OWID codes of
	// dissolved states, which map to their retired ISO 3166-3 codes.
	CodeAliases map[string]string
}

// defaultCodeAliases covers publisher codes for real countries that are not
// ISO assigned.
var defaultCodeAliases = map[string]string{
	"OWID_KOS": "XKX",
	"KOS":      "XKX",
	"OWID_USS": "SUN",
	"OWID_YGS": "YUG",
	"OWID_CZS": "CSK",
}

// Normalizer is a layered label resolver. The zero value is not usable; build
// one with New.
type Normalizer struct {
	t      *tables
	layers []Layer
}

// New builds a Normalizer from the embedded tables plus opts.
//
// Errors:
//   - The embedded tables fail to parse (a build defect).
//   - An extra alias targets an unknown code or conflicts with a built-in one.
func New(opts Options) (*Normalizer, error) {
	base, err := loadTables()
	if err != nil {
		return nil, err
	}
	t := base
	if len(opts.Aliases) > 0 {
		t = base.clone()
		for _, alias := range sortedKeys(opts.Aliases) {
			if err := t.addAlias(alias, opts.Aliases[alias]); err != nil {
				return nil, fmt.Errorf("country: %w", err)
			}
		}
	}

	codeAliases := make(map[string]string, len(defaultCodeAliases)+len(opts.CodeAliases))
	for k, v := range defaultCodeAliases {
		codeAliases[k] = v
	}
	for k, v := range opts.CodeAliases {
		target := CleanCode(v)
		if _, ok := t.names[target]; !ok {
			return nil, fmt.Errorf("country: code alias %q targets unknown code %q", k, v)
		}
		codeAliases[CleanCode(k)] = target
	}

	return &Normalizer{
		t: t,
		layers: []Layer{
			codeLayer{names: t.names, aliases: codeAliases},
			nameLayer{byName: t.byName},
			aliasLayer{aliases: t.aliases},
			aggregateLayer{names: t.aggregates},
		},
	}, nil
}

// MustNew is New for package-level defaults and tests.
func MustNew(opts Options) *Normalizer {
	n, err := New(opts)
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize resolves a label and optional code.
//
// The result is a pure function of (label, code): the same inputs always give
// the same Resolution or the same error.
func (n *Normalizer) Normalize(label, code string) (Resolution, error) {
	for _, l := range n.layers {
		if res, ok := l.Resolve(label, code); ok {
			res.Layer = l.Name()
			return res, nil
		}
	}
	return Resolution{}, &UnresolvedError{Label: label, Code: code}
}

// Layers returns the layer names in evaluation order.
func (n *Normalizer) Layers() []string {
	out := make([]string, len(n.layers))
	for i, l := range n.layers {
		out[i] = l.Name()
	}
	return out
}

// DisplayName returns the canonical name for id, or "" when unknown.
func (n *Normalizer) DisplayName(id model.CountryID) string {
	return n.t.names[string(id)]
}

// Known reports whether id is a known canonical identifier.
func (n *Normalizer) Known(id model.CountryID) bool {
	_, ok := n.t.names[string(id)]
	return ok
}

// codeLayer accepts known alpha-3 codes and curated publisher codes.
type codeLayer struct {
	names   map[string]string
	aliases map[string]string
}

func (codeLayer) Name() string { return LayerCode }

func (l codeLayer) Resolve(_, code string) (Resolution, bool) {
	c := CleanCode(code)
	if c == "" {
		return Resolution{}, false
	}
	if target, ok := l.aliases[c]; ok {
		return Resolution{ID: model.CountryID(target)}, true
	}
	if !isAlpha3(c) {
		return Resolution{}, false
	}
	if _, ok := l.names[c]; !ok {
		return Resolution{}, false
	}
	return Resolution{ID: model.CountryID(c)}, true
}

type nameLayer struct {
	byName map[string]string
}

func (nameLayer) Name() string { return LayerName }

func (l nameLayer) Resolve(label, _ string) (Resolution, bool) {
	if id, ok := l.byName[Clean(label)]; ok {
		return Resolution{ID: model.CountryID(id)}, true
	}
	return Resolution{}, false
}

type aliasLayer struct {
	aliases map[string]string
}

func (aliasLayer) Name() string { return LayerAlias }

func (l aliasLayer) Resolve(label, _ string) (Resolution, bool) {
	if id, ok := l.aliases[Clean(label)]; ok {
		return Resolution{ID: model.CountryID(id)}, true
	}
	return Resolution{}, false
}

// aggregateSuffixes are source tags OWID appends to regional groupings,
// e.g. "Africa (FAO)".
var aggregateSuffixes = []string{
	"(fao)", "(wb)", "(un)", "(who)", "(ei)", "(bp)", "(ember)", "(eia)", "(shift)", "(unsd)", "(27)",
}

// aggregateWords mark income groups and regional sets that never name a
// single country. Only reached after the alias layer has had its turn, so
// historical states such as "Soviet Union" resolve before they get here.
var aggregateWords = []string{
	"income", "countries", "region", "(total)", "excluding", "(excl.", " excl. ", "and dependencies",
}

type aggregateLayer struct {
	names map[string]struct{}
}

func (aggregateLayer) Name() string { return LayerAggregate }

func (l aggregateLayer) Resolve(label, code string) (Resolution, bool) {
	if strings.HasPrefix(CleanCode(code), "OWID_") {
		return Resolution{Aggregate: true}, true
	}
	c := Clean(label)
	if c == "" {
		return Resolution{}, false
	}
	if _, ok := l.names[c]; ok {
		return Resolution{Aggregate: true}, true
	}
	for _, s := range aggregateSuffixes {
		if strings.HasSuffix(c, s) {
			return Resolution{Aggregate: true}, true
		}
	}
	for _, w := range aggregateWords {
		if strings.Contains(c, w) {
			return Resolution{Aggregate: true}, true
		}
	}
	return Resolution{}, false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
