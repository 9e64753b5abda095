// Package preprocess turns raw records of one dataset into normalized,
// classified rows.
//
// Steps, in order: drop exact duplicates, then per record parse the metric,
// resolve the country and classify; then flag outliers over the mappable rows
// and sort. Each step is exported on its own and has no hidden state, so
// running Preprocess over its own output changes nothing.
package preprocess

import (
	"log/slog"

	"okavango/internal/country"
	"okavango/internal/model"
)

// DefaultOutlierK is Tukey's usual fence multiplier.
const DefaultOutlierK = 1.5

// Resolver is the part of country.Normalizer the preprocessor needs.
type Resolver interface {
	Normalize(label, code string) (country.Resolution, error)
}

// Rejected is a record that could not be given a country.
type Rejected struct {
	Record model.RawRecord
	Err    error
}

// Stats summarises one Preprocess call.
type Stats struct {
	Input      int
	Duplicates int
	Rejected   int
	Aggregates int
	Mappable   int
	NullMetric int
	Outliers   int
	Fences     Fences
}

// Result is the output of Preprocess.
type Result struct {
	Rows     []model.PreprocessedRow
	Rejected []Rejected
	Stats    Stats
}

// Preprocessor holds the per-run configuration. It is safe for concurrent use
// when Resolver is.
type Preprocessor struct {
	Resolver Resolver

	// OutlierK is the IQR multiplier. Zero means DefaultOutlierK; negative
	// disables outlier flagging.
	OutlierK float64

	Logger *slog.Logger
}

func (p *Preprocessor) outlierK() float64 {
	if p.OutlierK == 0 {
		return DefaultOutlierK
	}
	return p.OutlierK
}

// Preprocess runs every step over records. Records are not modified.
func (p *Preprocessor) Preprocess(records []model.RawRecord) Result {
	res := Result{Stats: Stats{Input: len(records)}}

	kept, dups := Dedupe(records)
	res.Stats.Duplicates = dups

	rows := make([]model.PreprocessedRow, 0, len(kept))
	for _, rec := range kept {
		resolution, err := p.Resolver.Normalize(rec.Entity, rec.Code)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejected{Record: rec, Err: err})
			continue
		}

		row := model.PreprocessedRow{
			Raw:         rec,
			Country:     resolution.ID,
			Entity:      rec.Entity,
			Code:        rec.Code,
			Year:        rec.Year,
			YearValid:   rec.YearValid,
			Metric:      ParseMetric(rec.MetricText),
			IsAggregate: resolution.Aggregate,
			Layer:       resolution.Layer,
		}
		Classify(&row)
		rows = append(rows, row)
	}

	fences, outliers := FlagOutliers(rows, p.outlierK())
	SortRows(rows)

	for _, r := range rows {
		if r.IsAggregate {
			res.Stats.Aggregates++
		}
		if r.IsMappable {
			res.Stats.Mappable++
		}
		if r.Metric == nil {
			res.Stats.NullMetric++
		}
	}
	res.Stats.Rejected = len(res.Rejected)
	res.Stats.Outliers = outliers
	res.Stats.Fences = fences
	res.Rows = rows

	if p.Logger != nil {
		p.Logger.Debug("preprocessed",
			"input", res.Stats.Input,
			"duplicates", res.Stats.Duplicates,
			"rejected", res.Stats.Rejected,
			"aggregates", res.Stats.Aggregates,
			"mappable", res.Stats.Mappable,
			"null_metric", res.Stats.NullMetric,
			"outliers", res.Stats.Outliers,
		)
	}
	return res
}
