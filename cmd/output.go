package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sells-group/docvault/internal/model"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatExtractions writes a tabular list of extractions to out.
func formatExtractions(out io.Writer, rows []model.Extraction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tTEMPLATE\tSTATUS\tATTEMPT\tPATH\tUPDATED")
	for _, e := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID,
			truncate(e.FileName, 32),
			dash(e.TemplateName),
			statusLabel(e),
			e.Attempt,
			dash(e.OrganizedPath),
			e.UpdatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

// formatQueue writes the verification queue to out.
func formatQueue(out io.Writer, items []model.QueueItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD_ID\tEXTRACTION\tTEMPLATE\tFIELD\tVALUE\tCONFIDENCE")
	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			it.Field.ID,
			it.ExtractionID,
			it.TemplateName,
			it.Field.FieldName,
			truncate(it.Field.Value, 40),
			it.Field.Confidence,
		)
	}
	_ = w.Flush()
}

func statusLabel(e model.Extraction) string {
	if e.Status == model.ExtractionError && e.ErrorMessage != "" {
		return string(e.Status) + ": " + truncate(e.ErrorMessage, 40)
	}
	return string(e.Status)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
