package jobs

import (
	"context"
	"time"

	"heygem/internal/config"
	"heygem/internal/metrics"
)

// HistoryPruner is implemented by recorders that can drop old history.
type HistoryPruner interface {
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionStats captures what a cleanup pass removed.
type RetentionStats struct {
	EntriesExpired int   `json:"entriesExpired"`
	HistoryDeleted int64 `json:"historyDeleted"`
}

// CleanupExpired drops terminal entries nobody queried within the
// configured window and prunes old history rows when the recorder supports
// it. Running entries and reservations are never touched.
func CleanupExpired(ctx context.Context, cfg *config.Config, reg *Registry, rec Recorder) RetentionStats {
	now := time.Now().UTC()
	var stats RetentionStats

	if mins := cfg.Retention.TerminalEntryMinutes; mins > 0 {
		stats.EntriesExpired = reg.Expire(now.Add(-time.Duration(mins) * time.Minute))
		metrics.RecordRetentionEntries(int64(stats.EntriesExpired))
	}

	if days := cfg.Retention.HistoryDays; days > 0 {
		if pruner, ok := rec.(HistoryPruner); ok {
			if n, err := pruner.DeleteHistoryBefore(ctx, now.AddDate(0, 0, -days)); err == nil {
				stats.HistoryDeleted = n
				metrics.RecordRetentionHistory(n)
			}
		}
	}

	return stats
}
