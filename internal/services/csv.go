package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
	"time"
)

// ExportTaskHistoryCSV renders task history rows, one per task.
func ExportTaskHistoryCSV(entries []TaskLogEntry) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"task_id", "patient_id", "tree", "status", "data_date_start", "data_date_end", "created_at", "completed_at", "error"})
	for _, e := range entries {
		completed := ""
		if e.CompletedAt != nil {
			completed = e.CompletedAt.UTC().Format(time.RFC3339)
		}
		rec := []string{
			e.TaskID,
			e.PatientID,
			e.Tree,
			string(e.Status),
			e.DateStart,
			e.DateEnd,
			e.CreatedAt.UTC().Format(time.RFC3339),
			completed,
			e.Error,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// DailyStat is one row of a Forest summary: activity of one stream on one
// study-local calendar day.
type DailyStat struct {
	Date    string
	Stream  string
	Records int
	Rows    int
	Bytes   int64
}

// ExportDailyStatsCSV renders a Forest summary sorted by date then stream.
func ExportDailyStatsCSV(patientID string, stats []DailyStat) ([]byte, error) {
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Date == stats[j].Date {
			return stats[i].Stream < stats[j].Stream
		}
		return stats[i].Date < stats[j].Date
	})
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"patient_id", "date", "data_stream", "records", "rows", "bytes"})
	for _, st := range stats {
		rec := []string{
			patientID,
			st.Date,
			st.Stream,
			strconv.Itoa(st.Records),
			strconv.Itoa(st.Rows),
			strconv.FormatInt(st.Bytes, 10),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
