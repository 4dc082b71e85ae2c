package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"heygem/internal/jobs"
)

// Store keeps an append-only history of finished jobs. It is an audit
// trail only; nothing reads it back into the job registry.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// historyRow is one job_history record.
type historyRow struct {
	RunID       uuid.UUID
	Code        string
	Status      string
	Progress    int32
	Message     sql.NullString
	ResultRef   sql.NullString
	Params      json.RawMessage
	Metrics     pqtype.NullRawMessage
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func newHistoryRow(job jobs.Job, entry jobs.Entry) (historyRow, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return historyRow{}, err
	}

	row := historyRow{
		RunID:       entry.RunID,
		Code:        entry.Code,
		Status:      string(entry.Status),
		Progress:    int32(entry.Progress),
		Params:      params,
		SubmittedAt: job.SubmittedAt.UTC(),
		StartedAt:   entry.StartedAt.UTC(),
		FinishedAt:  entry.FinishedAt.UTC(),
	}
	if entry.Message != "" {
		row.Message = sql.NullString{String: entry.Message, Valid: true}
	}

	if s, ok := entry.Outcome.(jobs.Succeeded); ok {
		row.ResultRef = sql.NullString{String: s.ResultRef, Valid: s.ResultRef != ""}
		m, err := json.Marshal(s.Metrics)
		if err != nil {
			return historyRow{}, err
		}
		row.Metrics = pqtype.NullRawMessage{RawMessage: m, Valid: true}
	}
	return row, nil
}

const insertHistory = `
INSERT INTO job_history (
    run_id, code, status, progress, message, result_ref, params, metrics,
    submitted_at, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id) DO NOTHING`

// RecordOutcome stores the terminal entry of a run. It implements
// jobs.Recorder.
func (s *Store) RecordOutcome(ctx context.Context, job jobs.Job, entry jobs.Entry) error {
	row, err := newHistoryRow(job, entry)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, insertHistory,
		row.RunID,
		row.Code,
		row.Status,
		row.Progress,
		row.Message,
		row.ResultRef,
		row.Params,
		row.Metrics,
		row.SubmittedAt,
		row.StartedAt,
		row.FinishedAt,
	)
	return err
}

// DeleteHistoryBefore removes history rows that finished before cutoff.
// It implements jobs.HistoryPruner.
func (s *Store) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM job_history WHERE finished_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
