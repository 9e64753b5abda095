// Package csv reads published CSV tables into memory and projects them onto
// model.RawRecord once the column roles are known.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"okavango/internal/metric"
	"okavango/internal/model"
)

// ErrEmpty is returned for input without a header row.
var ErrEmpty = errors.New("csv: empty input")

// Options controls CSV reading. The zero value reads comma-separated input,
// trims cells and is strict about quotes.
type Options struct {
	Comma      rune
	LazyQuotes bool
	// KeepSpace disables trimming of cell values.
	KeepSpace bool
	// OnError is called for each malformed data line; the line is skipped.
	OnError func(line int, err error)
}

// Row is one data line. Values is aligned with Table.Columns; short lines are
// padded with empty strings.
type Row struct {
	Line   int
	Values []string
}

// Table is a fully read CSV.
type Table struct {
	// Columns are the header names as published, trimmed and without BOM.
	Columns []string
	Rows    []Row
	// Skipped counts malformed lines passed to OnError.
	Skipped int
}

// ReadTable reads a header line and every data line from r.
//
// Cancellation is checked between lines.
//
// Errors:
//   - ErrEmpty when r has no header.
//   - The header read error, wrapped.
//   - ctx.Err() on cancellation.
func ReadTable(ctx context.Context, r io.Reader, opt Options) (*Table, error) {
	var line int

	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	t := &Table{Columns: make([]string, len(hdr))}
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		t.Columns[i] = h
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			t.Skipped++
			if opt.OnError != nil {
				opt.OnError(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		vals := make([]string, len(t.Columns))
		for i := range vals {
			if i >= len(rec) {
				break
			}
			v := rec[i]
			if !opt.KeepSpace {
				v = strings.TrimSpace(v)
			}
			vals[i] = v
		}
		t.Rows = append(t.Rows, Row{Line: line, Values: vals})
	}
}

// Sample returns up to n rows' values (all rows when n <= 0) for metric
// detection. The slices alias the table.
func (t *Table) Sample(n int) [][]string {
	if n <= 0 || n > len(t.Rows) {
		n = len(t.Rows)
	}
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		out[i] = t.Rows[i].Values
	}
	return out
}

// Records projects every row onto the role columns of s.
func (t *Table) Records(s metric.Schema) []model.RawRecord {
	out := make([]model.RawRecord, len(t.Rows))
	for i, row := range t.Rows {
		r := model.RawRecord{
			Line:       row.Line,
			Entity:     cell(row.Values, s.Roles.Entity),
			Code:       cell(row.Values, s.Roles.Code),
			YearText:   cell(row.Values, s.Roles.Year),
			MetricText: cell(row.Values, s.Metric.Index),
			Values:     row.Values,
		}
		r.Year, r.YearValid = model.ParseYear(r.YearText)
		out[i] = r
	}
	return out
}

func cell(vals []string, idx int) string {
	if idx < 0 || idx >= len(vals) {
		return ""
	}
	return vals[idx]
}
