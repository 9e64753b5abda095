package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"okavango/internal/catalog"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found by ValidatePipeline.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	logLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	logFormats  = map[string]bool{"text": true, "plain": true, "json": true}
	backends    = map[string]bool{"": true, "none": true, "datadog": true, "pushgateway": true}
	exportKinds = map[string]bool{"": true, "sqlite": true, "postgres": true, "mssql": true}
)

// ValidatePipeline returns every issue found in p. A run must not start while
// any issue has SeverityError.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		add(SeverityWarning, "job", "empty job name; metrics use %q", "okavango")
	}

	if p.Cache.Dir == "" {
		add(SeverityError, "cache.dir", "cache directory is required")
	}
	if p.Cache.MaxAge < 0 {
		add(SeverityError, "cache.max_age", "must not be negative")
	}
	if p.Cache.Timeout <= 0 {
		add(SeverityError, "cache.timeout", "must be positive")
	}

	seen := map[string]bool{}
	for i, s := range p.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		if s.Key == "" {
			add(SeverityError, path+".key", "key is required")
			continue
		}
		if seen[s.Key] {
			add(SeverityError, path+".key", "duplicate key %q", s.Key)
		}
		seen[s.Key] = true
		if _, ok := catalog.Default().Lookup(s.Key); !ok && s.URL == "" {
			add(SeverityError, path+".url", "new source %q needs a url", s.Key)
		}
		if s.URL != "" {
			if _, err := url.Parse(s.URL); err != nil {
				add(SeverityError, path+".url", "invalid url: %v", err)
			}
		}
	}
	if err := p.Catalog().Validate(); err != nil {
		add(SeverityError, "sources", "%v", err)
	}

	if p.Detect.MinCoverage <= 0 || p.Detect.MinCoverage > 1 {
		add(SeverityError, "detect.min_coverage", "must be in (0, 1], got %v", p.Detect.MinCoverage)
	}
	if p.Preprocess.OutlierIQRMultiplier == 0 {
		add(SeverityWarning, "preprocess.outlier_iqr_multiplier", "0 falls back to the default multiplier 1.5; use a negative value to disable")
	}

	for _, label := range slices.Sorted(maps.Keys(p.Country.Aliases)) {
		code := p.Country.Aliases[label]
		if strings.TrimSpace(label) == "" {
			add(SeverityError, "country.aliases", "empty alias label")
		}
		if len(code) != 3 {
			add(SeverityError, "country.aliases."+label, "target %q is not an ISO-3 code", code)
		}
	}

	if p.Runtime.Workers < 1 {
		add(SeverityError, "runtime.workers", "must be at least 1")
	}
	if p.Runtime.RefreshInterval < 0 {
		add(SeverityError, "runtime.refresh_interval", "must not be negative")
	}
	if p.Runtime.RefreshInterval > 0 && p.Cache.MaxAge > p.Runtime.RefreshInterval {
		add(SeverityWarning, "cache.max_age", "longer than runtime.refresh_interval; refreshes will reuse cached files")
	}

	if !exportKinds[p.Export.Kind] {
		add(SeverityError, "export.kind", "unknown kind %q", p.Export.Kind)
	} else if p.Export.Kind != "" && p.Export.DSN == "" {
		add(SeverityError, "export.dsn", "dsn is required for kind %q", p.Export.Kind)
	}

	if !logLevels[strings.ToLower(p.Logging.Level)] {
		add(SeverityWarning, "logging.level", "unknown level %q; using info", p.Logging.Level)
	}
	if !logFormats[strings.ToLower(p.Logging.Format)] {
		add(SeverityWarning, "logging.format", "unknown format %q; using text", p.Logging.Format)
	}

	if !backends[p.Metrics.Backend] {
		add(SeverityError, "metrics.backend", "unknown backend %q", p.Metrics.Backend)
	}
	if p.Metrics.Backend == "datadog" && p.Metrics.FlushEvery <= 0 {
		add(SeverityWarning, "metrics.flush_every", "not positive; datadog backend uses its default")
	}
	return issues
}

// HasErrors reports whether issues contains an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
