package registry

import (
	"errors"
	"fmt"
)

// Stage names where a dataset pipeline can fail.
const (
	StageGeometry   = "geometry"
	StageFetch      = "fetch"
	StageParse      = "parse"
	StageDetect     = "detect"
	StagePreprocess = "preprocess"
	StageMerge      = "merge"
)

var (
	// ErrUnknownDataset is returned for keys that are not in the catalog.
	ErrUnknownDataset = errors.New("registry: unknown dataset")
	// ErrNoYears is returned when a dataset has no mappable row.
	ErrNoYears = errors.New("registry: dataset has no mappable years")
)

// PipelineError is the failure of one dataset pipeline. Err is the
// underlying *fetch.RetrievalError, *fetch.FormatError,
// *metric.NoMetricFoundError, *metric.SchemaError or context error.
type PipelineError struct {
	Key   string
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("dataset %s: %s: %v", e.Key, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
