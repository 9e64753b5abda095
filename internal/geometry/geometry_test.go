package geometry

import (
	"errors"
	"strings"
	"testing"

	"okavango/internal/country"
	"okavango/internal/logging"
	"okavango/internal/model"
)

const square = `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

func feature(props, geom string) string {
	return `{"type":"Feature","properties":` + props + `,"geometry":` + geom + `}`
}

func collection(features ...string) string {
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func TestLoad_ResolvesIDs(t *testing.T) {
	multi := `{"type":"MultiPolygon","coordinates":[[[[2,2],[4,2],[4,5],[2,5],[2,2]]]]}`
	doc := collection(
		feature(`{"ISO_A3_EH":"FRA","ISO_A3":"-99","ADM0_A3":"FRA","ADMIN":"France","CONTINENT":"Europe","REGION_UN":"Europe"}`, multi),
		feature(`{"ISO_A3_EH":"-99","ISO_A3":"-99","ADM0_A3":"KOS","ADMIN":"Kosovo"}`, square),
		feature(`{"ISO_A3":"-99","ADMIN":"Norway"}`, square),
		feature(`{"ADMIN":"Atlantis"}`, square),
	)

	recs, err := Load(strings.NewReader(doc), country.MustNew(country.Options{}), Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []model.CountryID{"FRA", "XKX", "NOR", ""}
	if len(recs) != len(want) {
		t.Fatalf("len=%d, want %d", len(recs), len(want))
	}
	for i, w := range want {
		if recs[i].ID != w {
			t.Fatalf("recs[%d].ID=%q, want %q", i, recs[i].ID, w)
		}
	}

	fra := recs[0]
	if fra.Name != "France" || fra.Continent != "Europe" || fra.Region != "Europe" {
		t.Fatalf("France record=%+v", fra)
	}
	if fra.Bound.Min[0] != 2 || fra.Bound.Max[1] != 5 {
		t.Fatalf("Bound=%v", fra.Bound)
	}
	if recs[3].Name != "Atlantis" {
		t.Fatalf("unresolved record keeps its name, got %q", recs[3].Name)
	}
}

func TestLoad_CustomIDProperty(t *testing.T) {
	doc := collection(feature(`{"iso":"BRA","ADMIN":"Brasil"}`, square))
	recs, err := Load(strings.NewReader(doc), country.MustNew(country.Options{}), Options{IDProperties: []string{"iso"}, Logger: logging.Discard()})
	if err != nil || recs[0].ID != "BRA" {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
}

func TestLoad_RejectsNonPolygonal(t *testing.T) {
	doc := collection(
		feature(`{"ADMIN":"France"}`, square),
		feature(`{"ADMIN":"Point"}`, `{"type":"Point","coordinates":[1,2]}`),
	)
	_, err := Load(strings.NewReader(doc), country.MustNew(country.Options{}), Options{Logger: logging.Discard()})
	if !errors.Is(err, ErrNotPolygonal) {
		t.Fatalf("err=%v, want ErrNotPolygonal", err)
	}
}

func TestLoad_BadDocuments(t *testing.T) {
	for _, doc := range []string{"", "{not json", collection()} {
		if _, err := Load(strings.NewReader(doc), country.MustNew(country.Options{}), Options{Logger: logging.Discard()}); err == nil {
			t.Fatalf("Load(%q) succeeded", doc)
		}
	}
}

func TestIndex(t *testing.T) {
	idx := Index([]Record{{ID: "FRA"}, {ID: ""}, {ID: "CYP"}, {ID: "CYP"}})
	if len(idx) != 2 || len(idx["CYP"]) != 2 || idx["FRA"][0] != 0 {
		t.Fatalf("Index=%v", idx)
	}
}
