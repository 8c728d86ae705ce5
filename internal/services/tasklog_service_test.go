package services

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRecordIsIdempotent(t *testing.T) {
	store := newStubStore()
	svc := NewTaskLogService(store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.Record(ctx, "t1", "queued", ""); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := svc.Record(ctx, "t1", "succeeded", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := svc.Record(ctx, "t1", "failed", "late"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	evs, _ := svc.Events(ctx, "t1")
	if len(evs) != 2 || evs[1].Event != "succeeded" || !evs[1].Terminal {
		t.Fatalf("unexpected events %+v", evs)
	}
	if err := svc.Record(ctx, "", "queued", ""); !IsCode(err, ErrorInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestHistoryAndCSV(t *testing.T) {
	store := newStubStore()
	svc := NewTaskLogService(store)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	done := day(3)
	store.tasks["a"] = &ForestTask{ID: "a", StudyID: "s1", PatientID: "alice", Tree: "jasmine", Status: TaskFailed,
		DataDateStart: day(1), DataDateEnd: day(2), CreatedAt: day(1), CompletedAt: &done, ErrorMessage: NoDataError + "\ntrace"}
	store.tasks["b"] = &ForestTask{ID: "b", StudyID: "s1", PatientID: "bob", Tree: "willow", Status: TaskQueued,
		DataDateStart: day(1), DataDateEnd: day(2), CreatedAt: day(2)}
	store.tasks["c"] = &ForestTask{ID: "c", StudyID: "s2", Status: TaskQueued, CreatedAt: day(3)}

	hist, err := svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].TaskID != "b" || hist[1].TaskID != "a" {
		t.Fatalf("unexpected history order %+v", hist)
	}
	if hist[1].Error != NoDataError || hist[1].DateStart != "2024-01-01" {
		t.Fatalf("unexpected entry %+v", hist[1])
	}

	csv, err := svc.HistoryCSV(ctx, "s1")
	if err != nil {
		t.Fatalf("HistoryCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "task_id,patient_id,tree,status") {
		t.Fatalf("unexpected csv:\n%s", csv)
	}
	if !strings.HasPrefix(lines[2], "a,alice,jasmine,failed,2024-01-01,2024-01-02,2024-01-01T00:00:00Z,2024-01-03T00:00:00Z,") {
		t.Fatalf("unexpected row %q", lines[2])
	}
}

func TestExportDailyStatsCSVSorted(t *testing.T) {
	out, err := ExportDailyStatsCSV("alice", []DailyStat{
		{Date: "2024-01-02", Stream: "gps", Records: 1, Rows: 10, Bytes: 100},
		{Date: "2024-01-01", Stream: "texts", Records: 2, Rows: 3, Bytes: 40},
		{Date: "2024-01-01", Stream: "calls", Records: 1, Rows: 1, Bytes: 5},
	})
	if err != nil {
		t.Fatalf("ExportDailyStatsCSV: %v", err)
	}
	want := "patient_id,date,data_stream,records,rows,bytes\n" +
		"alice,2024-01-01,calls,1,1,5\n" +
		"alice,2024-01-01,texts,2,3,40\n" +
		"alice,2024-01-02,gps,1,10,100\n"
	if string(out) != want {
		t.Fatalf("got:\n%s\nwant:\n%s", out, want)
	}
}
