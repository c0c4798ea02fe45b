package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/agentworkforce/tvsync/internal/tv"
)

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (a *app) printRecord(w io.Writer, r tv.Record) error {
	if a.jsonOutput {
		return printJSON(w, r)
	}
	printRecordsTable(w, []tv.Record{r})
	return nil
}

func printRecordsTable(w io.Writer, records []tv.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tMANUFACTURER\tMODEL\tFABRICATED\tPRICE\tSMART\t")
	for _, r := range records {
		id := r.ID
		if r.LocalOnly {
			id += " (local)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%t\t\n",
			id,
			r.Version,
			truncate(r.Manufacturer, 24),
			truncate(r.Model, 24),
			r.FabricationDate,
			strconv.FormatFloat(r.Price, 'f', 2, 64),
			r.IsSmart,
		)
	}
	_ = tw.Flush()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
