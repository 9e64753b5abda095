package csv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"okavango/internal/metric"
)

const forestCSV = "\uFEFFEntity, Code ,Year,Annual change in forest area\n" +
	"Brazil,BRA,2000,-0.5\n" +
	"\"Bonaire, Sint Eustatius and Saba\",BES,2000, 0.0 \n" +
	"World,OWID_WRL,2000\n"

func TestReadTable(t *testing.T) {
	t.Parallel()

	tbl, err := ReadTable(context.Background(), strings.NewReader(forestCSV), Options{})
	if err != nil {
		t.Fatalf("ReadTable err=%v", err)
	}

	wantCols := []string{"Entity", "Code", "Year", "Annual change in forest area"}
	for i, c := range wantCols {
		if tbl.Columns[i] != c {
			t.Fatalf("Columns=%q, want %q", tbl.Columns, wantCols)
		}
	}
	if len(tbl.Rows) != 3 {
		t.Fatalf("len(Rows)=%d, want 3", len(tbl.Rows))
	}
	if got := tbl.Rows[1].Values[0]; got != "Bonaire, Sint Eustatius and Saba" {
		t.Fatalf("quoted cell=%q", got)
	}
	if got := tbl.Rows[1].Values[3]; got != "0.0" {
		t.Fatalf("trimmed cell=%q, want 0.0", got)
	}
	// Short line is padded.
	if got := tbl.Rows[2].Values[3]; got != "" {
		t.Fatalf("padded cell=%q, want empty", got)
	}
	if tbl.Rows[0].Line != 2 {
		t.Fatalf("first data line=%d, want 2", tbl.Rows[0].Line)
	}
}

func TestReadTable_Empty(t *testing.T) {
	t.Parallel()

	_, err := ReadTable(context.Background(), strings.NewReader(""), Options{})
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("err=%v, want ErrEmpty", err)
	}
}

func TestReadTable_MalformedLineSkipped(t *testing.T) {
	t.Parallel()

	in := "entity,year,v\nA,2000,1\n\"B,2000,2\n"
	var lines []int
	tbl, err := ReadTable(context.Background(), strings.NewReader(in), Options{
		OnError: func(line int, err error) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("ReadTable err=%v", err)
	}
	if tbl.Skipped != 1 || len(lines) != 1 || len(tbl.Rows) != 1 {
		t.Fatalf("skipped=%d lines=%v rows=%d", tbl.Skipped, lines, len(tbl.Rows))
	}
}

func TestReadTable_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ReadTable(ctx, strings.NewReader(forestCSV), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestRecords(t *testing.T) {
	t.Parallel()

	tbl, err := ReadTable(context.Background(), strings.NewReader(forestCSV), Options{})
	if err != nil {
		t.Fatalf("ReadTable err=%v", err)
	}
	s, err := metric.Detector{}.Schema(tbl.Columns, tbl.Sample(0))
	if err != nil {
		t.Fatalf("Schema err=%v", err)
	}

	recs := tbl.Records(s)
	if len(recs) != 3 {
		t.Fatalf("len(records)=%d", len(recs))
	}
	r := recs[0]
	if r.Entity != "Brazil" || r.Code != "BRA" || r.Year != 2000 || !r.YearValid || r.MetricText != "-0.5" {
		t.Fatalf("record=%+v", r)
	}
	if recs[2].MetricText != "" {
		t.Fatalf("world metric=%q, want empty", recs[2].MetricText)
	}
}
