package country

import (
	"errors"
	"testing"

	"okavango/internal/model"
)

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "  Côte d’Ivoire ", want: "cote d'ivoire"},
		{in: "Bosnia & Herzegovina", want: "bosnia and herzegovina"},
		{in: "TÜRKIYE", want: "turkiye"},
		{in: "São Tomé  and Príncipe", want: "sao tome and principe"},
		{in: "", want: ""},
		{in: "   ", want: ""},
	}
	for _, tc := range tests {
		if got := Clean(tc.in); got != tc.want {
			t.Fatalf("Clean(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Layers(t *testing.T) {
	t.Parallel()

	n := MustNew(Options{})

	tests := []struct {
		name      string
		label     string
		code      string
		wantID    model.CountryID
		wantAgg   bool
		wantLayer string
	}{
		{name: "iso_code", label: "Whatever", code: "deu", wantID: "DEU", wantLayer: LayerCode},
		{name: "code_alias_kosovo", label: "Kosovo", code: "OWID_KOS", wantID: "XKX", wantLayer: LayerCode},
		{name: "canonical_name", label: "Germany", wantID: "DEU", wantLayer: LayerName},
		{name: "diacritics", label: "Curaçao", wantID: "CUW", wantLayer: LayerName},
		{name: "alias", label: "Russian Federation", wantID: "RUS", wantLayer: LayerAlias},
		{name: "alias_owid_style", label: "Micronesia (country)", wantID: "FSM", wantLayer: LayerAlias},
		{name: "alias_diacritics", label: "Türkiye", wantID: "TUR", wantLayer: LayerAlias},
		{name: "unknown_code_falls_to_name", label: "France", code: "ZZZ", wantID: "FRA", wantLayer: LayerName},
		{name: "owid_code_aggregate", label: "World", code: "OWID_WRL", wantAgg: true, wantLayer: LayerAggregate},
		{name: "aggregate_name", label: "Europe", wantAgg: true, wantLayer: LayerAggregate},
		{name: "aggregate_suffix", label: "Africa (FAO)", wantAgg: true, wantLayer: LayerAggregate},
		{name: "income_group", label: "High-income countries", wantAgg: true, wantLayer: LayerAggregate},
		{name: "historical_owid_code", label: "USSR", code: "OWID_USS", wantID: "SUN", wantLayer: LayerCode},
		{name: "historical_name", label: "USSR", wantID: "SUN", wantLayer: LayerName},
		{name: "historical_alias_not_union", label: "Soviet Union", wantID: "SUN", wantLayer: LayerAlias},
		{name: "other_owid_code_aggregate", label: "Asia", code: "OWID_ASI", wantAgg: true, wantLayer: LayerAggregate},
		{name: "americas", label: "Americas", wantAgg: true, wantLayer: LayerAggregate},
		{name: "northern_america", label: "Northern America", wantAgg: true, wantLayer: LayerAggregate},
		{name: "central_america_caribbean", label: "Central America and the Caribbean", wantAgg: true, wantLayer: LayerAggregate},
		{name: "western_central_africa", label: "Western and Central Africa", wantAgg: true, wantLayer: LayerAggregate},
		{name: "excl_multiple", label: "Asia (excl. China and India)", wantAgg: true, wantLayer: LayerAggregate},
		{name: "excl_group", label: "Europe (excl. EU-27)", wantAgg: true, wantLayer: LayerAggregate},
		{name: "excl_country", label: "North America (excl. USA)", wantAgg: true, wantLayer: LayerAggregate},
		{name: "excl_world", label: "World (excl. China)", wantAgg: true, wantLayer: LayerAggregate},
		{name: "excl_unparenthesized", label: "World excl. China", wantAgg: true, wantLayer: LayerAggregate},
		{name: "european_union", label: "European Union", wantAgg: true, wantLayer: LayerAggregate},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := n.Normalize(tc.label, tc.code)
			if err != nil {
				t.Fatalf("Normalize(%q,%q) err=%v", tc.label, tc.code, err)
			}
			if got.ID != tc.wantID || got.Aggregate != tc.wantAgg || got.Layer != tc.wantLayer {
				t.Fatalf("Normalize(%q,%q)=%+v, want id=%q agg=%v layer=%s",
					tc.label, tc.code, got, tc.wantID, tc.wantAgg, tc.wantLayer)
			}
		})
	}
}

func TestNormalize_CodeAndAliasAgree(t *testing.T) {
	t.Parallel()

	n := MustNew(Options{})

	byCode, err := n.Normalize("United States of America", "USA")
	if err != nil {
		t.Fatalf("code path: %v", err)
	}
	byAlias, err := n.Normalize("United States", "")
	if err != nil {
		t.Fatalf("alias path: %v", err)
	}
	if byCode.ID != byAlias.ID || byCode.ID != "USA" {
		t.Fatalf("code=%q alias=%q, want both USA", byCode.ID, byAlias.ID)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	t.Parallel()

	a := MustNew(Options{})
	b := MustNew(Options{})

	inputs := [][2]string{
		{"Ivory Coast", ""},
		{"Democratic Republic of Congo", "COD"},
		{"Atlantis", ""},
		{"Asia", "OWID_ASI"},
	}
	for _, in := range inputs {
		for i := 0; i < 3; i++ {
			r1, e1 := a.Normalize(in[0], in[1])
			r2, e2 := b.Normalize(in[0], in[1])
			if r1 != r2 || (e1 == nil) != (e2 == nil) {
				t.Fatalf("Normalize(%q,%q) not deterministic: %+v/%v vs %+v/%v", in[0], in[1], r1, e1, r2, e2)
			}
		}
	}
}

func TestNormalize_Unresolved(t *testing.T) {
	t.Parallel()

	n := MustNew(Options{})
	_, err := n.Normalize("Atlantis", "ATL")

	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%v, want *UnresolvedError", err)
	}
	if ue.Label != "Atlantis" || ue.Code != "ATL" {
		t.Fatalf("UnresolvedError=%+v", ue)
	}
}

func TestNew_ExtraAliases(t *testing.T) {
	t.Parallel()

	n, err := New(Options{Aliases: map[string]string{"Deutschland": "deu"}})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	got, err := n.Normalize("deutschland", "")
	if err != nil || got.ID != "DEU" {
		t.Fatalf("Normalize(deutschland)=%+v,%v, want DEU", got, err)
	}

	// The shared tables are untouched.
	if _, err := MustNew(Options{}).Normalize("Deutschland", ""); err == nil {
		t.Fatalf("extra alias leaked into default normalizer")
	}

	if _, err := New(Options{Aliases: map[string]string{"Nowhere": "QQQ"}}); err == nil {
		t.Fatalf("New with unknown alias target: want error")
	}
	if _, err := New(Options{Aliases: map[string]string{"United States": "CAN"}}); err == nil {
		t.Fatalf("New with conflicting alias: want error")
	}
}

func TestLayersOrder(t *testing.T) {
	t.Parallel()

	got := MustNew(Options{}).Layers()
	want := []string{LayerCode, LayerName, LayerAlias, LayerAggregate}
	if len(got) != len(want) {
		t.Fatalf("Layers()=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Layers()=%v, want %v", got, want)
		}
	}
}
