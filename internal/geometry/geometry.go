// Package geometry loads the country polygons every dataset is joined to.
package geometry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"okavango/internal/country"
	"okavango/internal/model"
)

// Natural Earth property names.
var (
	DefaultIDProperties   = []string{"ISO_A3_EH", "ISO_A3", "ADM0_A3"}
	DefaultNameProperties = []string{"ADMIN", "NAME", "NAME_LONG"}
)

// ErrNotPolygonal is wrapped when a feature is not a polygon or multipolygon.
var ErrNotPolygonal = errors.New("geometry: feature is not polygonal")

// Record is one country shape. ID is empty when neither the feature's codes
// nor its name resolve to a country; such records still take part in every
// merge.
type Record struct {
	ID        model.CountryID
	Name      string
	Continent string
	Region    string
	Geometry  orb.Geometry
	Bound     orb.Bound
	Props     map[string]any
}

// Resolver is the part of country.Normalizer Load needs.
type Resolver interface {
	Normalize(label, code string) (country.Resolution, error)
}

// Options selects which feature properties carry the code and the name.
type Options struct {
	IDProperties   []string
	NameProperties []string
	Logger         *slog.Logger
}

// Load reads a GeoJSON FeatureCollection. Codes such as "-99" are skipped;
// when no code property resolves, the name is tried through res.
func Load(r io.Reader, res Resolver, opts Options) ([]Record, error) {
	if len(opts.IDProperties) == 0 {
		opts.IDProperties = DefaultIDProperties
	}
	if len(opts.NameProperties) == 0 {
		opts.NameProperties = DefaultNameProperties
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("geometry: read: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geometry: decode: %w", err)
	}
	if len(fc.Features) == 0 {
		return nil, errors.New("geometry: empty feature collection")
	}

	out := make([]Record, 0, len(fc.Features))
	var unresolved int
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("%w: feature %d has %s", ErrNotPolygonal, i, geometryType(f.Geometry))
		}

		rec := Record{
			Name:      firstString(f.Properties, opts.NameProperties),
			Continent: f.Properties.MustString("CONTINENT", ""),
			Region:    f.Properties.MustString("REGION_UN", ""),
			Geometry:  f.Geometry,
			Bound:     f.Geometry.Bound(),
			Props:     map[string]any(f.Properties),
		}
		rec.ID = resolveID(res, f.Properties, opts.IDProperties, rec.Name)
		if rec.ID == "" {
			unresolved++
			log.Debug("geometry: feature without country id", "index", i, "name", rec.Name)
		}
		out = append(out, rec)
	}
	if unresolved > 0 {
		log.Info("geometry: features without country id", "count", unresolved, "total", len(out))
	}
	return out, nil
}

func resolveID(res Resolver, props geojson.Properties, idProps []string, name string) model.CountryID {
	for _, p := range idProps {
		code := strings.TrimSpace(props.MustString(p, ""))
		if code == "" || code == "-99" {
			continue
		}
		if r, err := res.Normalize("", code); err == nil && !r.Aggregate && r.ID != "" {
			return r.ID
		}
	}
	if name == "" {
		return ""
	}
	if r, err := res.Normalize(name, ""); err == nil && !r.Aggregate {
		return r.ID
	}
	return ""
}

func firstString(props geojson.Properties, keys []string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(props.MustString(k, "")); s != "" {
			return s
		}
	}
	return ""
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "no geometry"
	}
	return g.GeoJSONType()
}

// Index maps country ids to record positions. Records without an id are
// left out.
func Index(records []Record) map[model.CountryID][]int {
	idx := make(map[model.CountryID][]int, len(records))
	for i, r := range records {
		if r.ID == "" {
			continue
		}
		idx[r.ID] = append(idx[r.ID], i)
	}
	return idx
}
