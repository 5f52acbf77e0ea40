package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the minimal transaction surface CleanupService needs, narrowed from
// pgx.Tx so it can be faked in tests without a live database.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a transaction, narrowed from PgxPool the same way Tx is
// narrowed from pgx.Tx.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// pgxBeginner adapts PgxPool to Beginner, since pgx.Tx satisfies Tx as-is.
type pgxBeginner struct{ pool PgxPool }

func (b pgxBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CleanupService deletes data older than the retention window (§4, data
// retention): matches, the idempotency ledger, asset counters, and jobs
// themselves.
type CleanupService struct {
	beginner      Beginner
	RetentionDays int
}

// NewCleanupService constructs a CleanupService over pool.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{beginner: pgxBeginner{pool: pool}, RetentionDays: retentionDays}
}

// newCleanupServiceWithBeginner is the test seam: it skips the PgxPool
// adaptation so a fake Beginner can be injected directly.
func newCleanupServiceWithBeginner(b Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{beginner: b, RetentionDays: retentionDays}
}

// CleanupOldData removes jobs (and their dependent rows) created before the
// retention cutoff.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedMatches int64
	if err := tx.QueryRow(ctx, `
		WITH d AS (DELETE FROM matches
		WHERE job_id IN (SELECT id FROM jobs WHERE created_at < $1)
		RETURNING 1) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedMatches); err != nil {
		slog.Debug("no matches to delete", slog.Any("error", err))
	}

	var deletedEvents int64
	if err := tx.QueryRow(ctx, `
		WITH d AS (DELETE FROM processed_events
		WHERE job_id IN (SELECT id FROM jobs WHERE created_at < $1)
		RETURNING 1) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedEvents); err != nil {
		slog.Debug("no processed events to delete", slog.Any("error", err))
	}

	var deletedCounters int64
	if err := tx.QueryRow(ctx, `
		WITH d AS (DELETE FROM asset_counters
		WHERE job_id IN (SELECT id FROM jobs WHERE created_at < $1)
		RETURNING 1) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedCounters); err != nil {
		slog.Debug("no asset counters to delete", slog.Any("error", err))
	}

	var deletedJobs int64
	if err := tx.QueryRow(ctx, `
		WITH d AS (DELETE FROM jobs WHERE created_at < $1
		RETURNING 1) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedJobs); err != nil {
		slog.Debug("no jobs to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_matches", deletedMatches),
		slog.Int64("deleted_processed_events", deletedEvents),
		slog.Int64("deleted_asset_counters", deletedCounters),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic runs CleanupOldData immediately and then every interval until
// ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
