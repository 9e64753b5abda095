package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"okavango/internal/registry"
)

// writeSummary renders one row per catalog dataset, available or failed.
func writeSummary(w io.Writer, reg *registry.Registry) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{
		"Dataset", "Status", "Metric", "Years",
		"Countries", "Rows", "Rejected", "Outliers", "Error",
	})

	failures := reg.Failures()
	for _, key := range reg.Catalog().Keys() {
		if pe, ok := failures[key]; ok {
			table.Append([]string{key, registry.StatusFailed.String(), "", "", "", "", "", "", pe.Stage + ": " + pe.Err.Error()})
			continue
		}
		d, err := reg.Descriptor(key)
		if err != nil {
			continue
		}
		years := "-"
		if d.HasYears {
			years = fmt.Sprintf("%d-%d", d.MinYear, d.MaxYear)
		}
		table.Append([]string{
			key, registry.StatusAvailable.String(), d.MetricColumn, years,
			strconv.Itoa(d.MappableCountries), strconv.Itoa(d.Rows),
			strconv.Itoa(d.Rejected), strconv.Itoa(d.Outliers), "",
		})
	}
	table.Render()

	if n := len(failures); n > 0 {
		keys := make([]string, 0, n)
		for k := range failures {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		fmt.Fprintf(w, "%d of %d datasets failed: %v\n", n, len(reg.Catalog().Keys()), keys)
	}
}
