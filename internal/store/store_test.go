package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"heygem/internal/jobs"
)

func TestNewHistoryRow_Success(t *testing.T) {
	now := time.Now()
	job := jobs.Job{
		Code:        "abc",
		RunID:       uuid.New(),
		Params:      jobs.Params{AudioURL: "http://x/a.wav", VideoURL: "http://x/v.mp4", PN: true},
		SubmittedAt: now.Add(-time.Minute),
	}
	entry := jobs.Entry{
		Code:       "abc",
		RunID:      job.RunID,
		Status:     jobs.StatusSuccess,
		Progress:   100,
		Message:    "success",
		StartedAt:  now.Add(-30 * time.Second),
		FinishedAt: now,
		Outcome: jobs.Succeeded{
			ResultRef: "/code/result/abc.mp4",
			Metrics:   jobs.Metrics{Cost: 29.5, VideoDuration: 10, Width: 720, Height: 1280},
		},
	}

	row, err := newHistoryRow(job, entry)
	if err != nil {
		t.Fatalf("newHistoryRow error: %v", err)
	}
	if row.RunID != job.RunID || row.Status != "success" || row.Progress != 100 {
		t.Fatalf("unexpected row identity: %#v", row)
	}
	if !row.ResultRef.Valid || row.ResultRef.String != "/code/result/abc.mp4" {
		t.Fatalf("expected result ref, got %#v", row.ResultRef)
	}
	if !row.Metrics.Valid {
		t.Fatalf("expected metrics JSON")
	}

	var m map[string]any
	if err := json.Unmarshal(row.Metrics.RawMessage, &m); err != nil {
		t.Fatalf("metrics JSON decode error: %v", err)
	}
	if m["width"].(float64) != 720 || m["cost"].(float64) != 29.5 {
		t.Fatalf("unexpected metrics payload: %v", m)
	}

	var p map[string]any
	if err := json.Unmarshal(row.Params, &p); err != nil {
		t.Fatalf("params JSON decode error: %v", err)
	}
	if p["audio_url"] != "http://x/a.wav" || p["pn"] != true {
		t.Fatalf("unexpected params payload: %v", p)
	}
	if row.FinishedAt.Location() != time.UTC {
		t.Fatalf("expected timestamps in UTC")
	}
}

func TestNewHistoryRow_Failure(t *testing.T) {
	entry := jobs.Entry{
		Code:    "abc",
		RunID:   uuid.New(),
		Status:  jobs.StatusError,
		Message: "task execution failed",
		Outcome: jobs.Failed{Message: "task execution failed"},
	}

	row, err := newHistoryRow(jobs.Job{Code: "abc"}, entry)
	if err != nil {
		t.Fatalf("newHistoryRow error: %v", err)
	}
	if row.Metrics.Valid || row.ResultRef.Valid {
		t.Fatalf("failed runs carry no result or metrics: %#v", row)
	}
	if !row.Message.Valid || row.Message.String != "task execution failed" {
		t.Fatalf("expected failure message, got %#v", row.Message)
	}
}
