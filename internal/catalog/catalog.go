// Package catalog lists the published sources the pipeline reads.
//
// The catalog is static configuration: each entry pairs a stable key with a
// display label, the current URL and the content types the server may answer
// with. Order is significant; it is the order datasets are listed in.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

// Kind is the payload format of a source.
type Kind string

const (
	KindCSV     Kind = "csv"
	KindGeoJSON Kind = "geojson"
)

// GeometryKey is the cache key of the geometry source.
const GeometryKey = "geometry"

// Source is one published resource.
type Source struct {
	Key   string
	Label string
	URL   string
	Kind  Kind
	// ContentTypes are acceptable media types (parameters ignored). Empty
	// means the defaults for Kind.
	ContentTypes []string
}

// Ext returns the cache file extension for the source.
func (s Source) Ext() string {
	switch s.Kind {
	case KindGeoJSON:
		return ".geojson"
	default:
		return ".csv"
	}
}

// AcceptedTypes returns ContentTypes or the defaults for Kind.
func (s Source) AcceptedTypes() []string {
	if len(s.ContentTypes) > 0 {
		return s.ContentTypes
	}
	switch s.Kind {
	case KindGeoJSON:
		return []string{"application/geo+json", "application/json", "text/plain", "application/octet-stream"}
	default:
		return []string{"text/csv", "application/csv", "text/plain", "application/octet-stream"}
	}
}

// Catalog is an ordered set of dataset sources plus the geometry source.
type Catalog struct {
	Datasets []Source
	Geometry Source
}

const owidBase = "https://ourworldindata.org/grapher/"

// owidURL builds the full-table URL of an OWID grapher chart.
func owidURL(slug string) string {
	return owidBase + slug + ".csv?v=1&csvType=full&useColumnShortNames=true"
}

// NaturalEarthURL is the 1:110m admin-0 countries layer as GeoJSON.
const NaturalEarthURL = "https://raw.githubusercontent.com/nvkelso/natural-earth-vector/master/geojson/ne_110m_admin_0_countries.geojson"

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Datasets: []Source{
			{Key: "forest_change", Label: "Annual Change in Forest Area", URL: owidURL("forest-area-net-change-rate"), Kind: KindCSV},
			{Key: "deforestation", Label: "Annual Deforestation", URL: owidURL("annual-deforestation"), Kind: KindCSV},
			{Key: "land_protected", Label: "Share of Protected Land", URL: owidURL("terrestrial-protected-areas"), Kind: KindCSV},
			{Key: "land_degraded", Label: "Share of Degraded Land", URL: owidURL("share-degraded-land"), Kind: KindCSV},
			{Key: "marine_protected", Label: "Share of Marine Protected Areas", URL: owidURL("marine-protected-areas"), Kind: KindCSV},
		},
		Geometry: Source{Key: GeometryKey, Label: "Natural Earth admin-0 countries", URL: NaturalEarthURL, Kind: KindGeoJSON},
	}
}

// Keys returns dataset keys in catalog order.
func (c Catalog) Keys() []string {
	out := make([]string, len(c.Datasets))
	for i, s := range c.Datasets {
		out[i] = s.Key
	}
	return out
}

// Lookup returns the dataset source for key.
func (c Catalog) Lookup(key string) (Source, bool) {
	for _, s := range c.Datasets {
		if s.Key == key {
			return s, true
		}
	}
	return Source{}, false
}

// Upsert replaces the dataset with the same key or appends s.
func (c *Catalog) Upsert(s Source) {
	for i := range c.Datasets {
		if c.Datasets[i].Key == s.Key {
			c.Datasets[i] = s
			return
		}
	}
	c.Datasets = append(c.Datasets, s)
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ErrInvalid is wrapped by Validate errors.
var ErrInvalid = errors.New("catalog: invalid")

// Validate checks keys are unique identifiers and URLs are absolute http(s)
// or file URLs.
func (c Catalog) Validate() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("%w: no datasets", ErrInvalid)
	}
	seen := map[string]bool{GeometryKey: true}
	for _, s := range c.Datasets {
		if !keyPattern.MatchString(s.Key) {
			return fmt.Errorf("%w: key %q must match %s", ErrInvalid, s.Key, keyPattern)
		}
		if seen[s.Key] {
			return fmt.Errorf("%w: duplicate key %q", ErrInvalid, s.Key)
		}
		seen[s.Key] = true
		if err := validateURL(s.URL); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, s.Key, err)
		}
	}
	if err := validateURL(c.Geometry.URL); err != nil {
		return fmt.Errorf("%w: geometry: %v", ErrInvalid, err)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("url %q has no host", raw)
		}
	case "file":
	default:
		return fmt.Errorf("url %q: unsupported scheme %q", raw, u.Scheme)
	}
	return nil
}
