// Package config holds the pipeline configuration document.
//
// A Pipeline is decoded from JSON or YAML (chosen by file extension), merged
// over Default and checked with ValidatePipeline before a run starts.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"okavango/internal/catalog"
)

// Pipeline is the top-level configuration document.
type Pipeline struct {
	Job        string     `json:"job" yaml:"job"`
	Cache      Cache      `json:"cache" yaml:"cache"`
	Sources    []Source   `json:"sources,omitempty" yaml:"sources,omitempty"`
	Geometry   Geometry   `json:"geometry" yaml:"geometry"`
	Detect     Detect     `json:"detect" yaml:"detect"`
	Preprocess Preprocess `json:"preprocess" yaml:"preprocess"`
	Country    Country    `json:"country" yaml:"country"`
	Runtime    Runtime    `json:"runtime" yaml:"runtime"`
	Export     Export     `json:"export" yaml:"export"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Metrics    Metrics    `json:"metrics" yaml:"metrics"`
}

// Cache controls where fetched files live and when they are reused.
type Cache struct {
	Dir string `json:"dir" yaml:"dir"`
	// MaxAge lets a run reuse a cache file younger than this; 0 always fetches.
	MaxAge  Duration `json:"max_age" yaml:"max_age"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// Source overrides or extends a catalog dataset entry.
type Source struct {
	Key          string   `json:"key" yaml:"key"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
	URL          string   `json:"url,omitempty" yaml:"url,omitempty"`
	ContentTypes []string `json:"content_types,omitempty" yaml:"content_types,omitempty"`
}

// Geometry overrides the geometry source.
type Geometry struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// IDProperties are feature properties tried in order for the ISO-3 code.
	IDProperties []string `json:"id_properties,omitempty" yaml:"id_properties,omitempty"`
}

type Detect struct {
	MinCoverage float64 `json:"min_coverage" yaml:"min_coverage"`
}

type Preprocess struct {
	// OutlierIQRMultiplier is the Tukey k; 0 means 1.5 and a negative value
	// disables flagging.
	OutlierIQRMultiplier float64 `json:"outlier_iqr_multiplier" yaml:"outlier_iqr_multiplier"`
}

type Country struct {
	// Aliases maps extra labels to ISO-3 codes.
	Aliases map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

type Runtime struct {
	Workers         int      `json:"workers" yaml:"workers"`
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

// Export selects the optional relational sink. Empty Kind disables it.
type Export struct {
	Kind        string `json:"kind,omitempty" yaml:"kind,omitempty"`
	DSN         string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	TablePrefix string `json:"table_prefix,omitempty" yaml:"table_prefix,omitempty"`
}

type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Metrics struct {
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url,omitempty" yaml:"pushgateway_url,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FlushEvery     Duration `json:"flush_every" yaml:"flush_every"`
}

// Default returns a configuration that runs the built-in catalog.
func Default() Pipeline {
	return Pipeline{
		Job:        "okavango",
		Cache:      Cache{Dir: "data/cache", Timeout: Duration(60 * time.Second)},
		Detect:     Detect{MinCoverage: 0.5},
		Preprocess: Preprocess{OutlierIQRMultiplier: 1.5},
		Runtime:    Runtime{Workers: 4},
		Export:     Export{TablePrefix: "owid_"},
		Logging:    Logging{Level: "info", Format: "text"},
		Metrics:    Metrics{Backend: "none", FlushEvery: Duration(60 * time.Second)},
	}
}

// Load reads path and decodes it over Default. ".yaml" and ".yml" files are
// YAML; everything else is JSON. Unknown fields are rejected.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	p := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	return p, nil
}

// Catalog returns the built-in catalog with Sources and Geometry applied.
func (p Pipeline) Catalog() catalog.Catalog {
	c := catalog.Default()
	for _, s := range p.Sources {
		src, ok := c.Lookup(s.Key)
		if !ok {
			src = catalog.Source{Key: s.Key, Label: s.Key, Kind: catalog.KindCSV}
		}
		if s.Label != "" {
			src.Label = s.Label
		}
		if s.URL != "" {
			src.URL = s.URL
		}
		if len(s.ContentTypes) > 0 {
			src.ContentTypes = s.ContentTypes
		}
		c.Upsert(src)
	}
	if p.Geometry.URL != "" {
		c.Geometry.URL = p.Geometry.URL
	}
	return c
}
