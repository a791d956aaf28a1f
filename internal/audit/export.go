package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// WriteTimelineCSV serialises timeline rows to CSV, one row per entry.
func WriteTimelineCSV(w io.Writer, rows []TimelineRow) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"At", "Action", "Entity", "Entity ID", "Branch", "Performed By", "Reason", "Notes"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.At.UTC().Format(time.RFC3339),
			row.Action,
			row.Entity,
			row.EntityID,
			strconv.FormatInt(row.BranchID, 10),
			strconv.FormatInt(row.PerformedBy, 10),
			row.Reason,
			row.Notes,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
