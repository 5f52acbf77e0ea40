package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// AssetCounterRepo is the asset-count registry (C3): one row per
// (job_id, kind) tracking how many assets of that kind have been observed
// against how many were expected, plus a watermark deadline for partial
// completion when the expected count never arrives (a collector that
// returns fewer items than it estimated).
type AssetCounterRepo struct{ Pool PgxPool }

// NewAssetCounterRepo constructs an AssetCounterRepo.
func NewAssetCounterRepo(p PgxPool) *AssetCounterRepo { return &AssetCounterRepo{Pool: p} }

// SetExpected upserts the expected count for kind, set once by the phase
// that fans the work out (e.g. the collection-done event carries how many
// products/videos were collected).
func (r *AssetCounterRepo) SetExpected(ctx domain.Context, jobID string, kind domain.AssetKind, expected int, watermark time.Duration) error {
	tracer := otel.Tracer("repo.asset_counters")
	ctx, span := tracer.Start(ctx, "asset_counters.SetExpected")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "asset_counters"))

	q := `INSERT INTO asset_counters (job_id, kind, expected, observed, watermark_deadline, watermark_expired)
	      VALUES ($1,$2,$3,0,$4,false)
	      ON CONFLICT (job_id, kind) DO UPDATE SET expected = EXCLUDED.expected, watermark_deadline = EXCLUDED.watermark_deadline`
	_, err := r.Pool.Exec(ctx, q, jobID, kind, expected, time.Now().UTC().Add(watermark))
	if err != nil {
		return fmt.Errorf("op=asset_counters.set_expected: %w", err)
	}
	return nil
}

// Observe increments the observed count for kind by delta inside a
// row-locked transaction and returns the full per-job snapshot afterward,
// so the pure decision function (C5) always sees a consistent view across
// all asset kinds.
func (r *AssetCounterRepo) Observe(ctx domain.Context, jobID string, kind domain.AssetKind, delta int) (domain.AssetCounters, error) {
	tracer := otel.Tracer("repo.asset_counters")
	ctx, span := tracer.Start(ctx, "asset_counters.Observe")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.observe.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Row lock on the target kind so two concurrent observations of the
	// same kind serialize instead of lost-update racing on observed.
	lockQ := `SELECT observed FROM asset_counters WHERE job_id=$1 AND kind=$2 FOR UPDATE`
	var observed int
	if err := tx.QueryRow(ctx, lockQ, jobID, kind).Scan(&observed); err != nil {
		if err == pgx.ErrNoRows {
			// No expected count registered yet: create a zero-expected row
			// so the increment isn't lost (an observation that races ahead
			// of its own fan-out announcement).
			if _, ierr := tx.Exec(ctx, `INSERT INTO asset_counters (job_id, kind, expected, observed, watermark_deadline, watermark_expired)
			                             VALUES ($1,$2,0,0, now(), false) ON CONFLICT (job_id, kind) DO NOTHING`, jobID, kind); ierr != nil {
				return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.observe.bootstrap: %w", ierr)
			}
		} else {
			return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.observe.lock: %w", err)
		}
	}

	updQ := `UPDATE asset_counters SET observed = observed + $3 WHERE job_id=$1 AND kind=$2`
	if _, err := tx.Exec(ctx, updQ, jobID, kind, delta); err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.observe.update: %w", err)
	}

	snap, err := snapshotTx(ctx, tx, jobID)
	if err != nil {
		return domain.AssetCounters{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.observe.commit: %w", err)
	}
	committed = true
	return snap, nil
}

// Snapshot returns the current counters for jobID without mutating them.
func (r *AssetCounterRepo) Snapshot(ctx domain.Context, jobID string) (domain.AssetCounters, error) {
	tracer := otel.Tracer("repo.asset_counters")
	ctx, span := tracer.Start(ctx, "asset_counters.Snapshot")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT kind, expected, observed, watermark_deadline, watermark_expired FROM asset_counters WHERE job_id=$1`, jobID)
	if err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.snapshot: %w", err)
	}
	defer rows.Close()
	return scanSnapshot(jobID, rows)
}

// MarkWatermarkExpired flags kind as watermark-expired for jobID, invoked by
// the in-process time.AfterFunc timer when the deadline fires.
func (r *AssetCounterRepo) MarkWatermarkExpired(ctx domain.Context, jobID string, kind domain.AssetKind) error {
	tracer := otel.Tracer("repo.asset_counters")
	ctx, span := tracer.Start(ctx, "asset_counters.MarkWatermarkExpired")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE asset_counters SET watermark_expired = true WHERE job_id=$1 AND kind=$2`, jobID, kind)
	if err != nil {
		return fmt.Errorf("op=asset_counters.mark_expired: %w", err)
	}
	return nil
}

// ActiveWatermarks returns the counters snapshot for every job with at
// least one un-expired watermark, grouped by job, so the watermark timer
// scheduler can rebuild its in-process timers after a restart.
func (r *AssetCounterRepo) ActiveWatermarks(ctx domain.Context) ([]domain.AssetCounters, error) {
	tracer := otel.Tracer("repo.asset_counters")
	ctx, span := tracer.Start(ctx, "asset_counters.ActiveWatermarks")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `
		SELECT job_id, kind, expected, observed, watermark_deadline, watermark_expired
		FROM asset_counters
		WHERE job_id IN (SELECT job_id FROM asset_counters WHERE watermark_expired = false)
		ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("op=asset_counters.active_watermarks: %w", err)
	}
	defer rows.Close()

	byJob := map[string]domain.AssetCounters{}
	order := []string{}
	for rows.Next() {
		var jobID string
		var kind domain.AssetKind
		var expected, observed int
		var deadline time.Time
		var expired bool
		if err := rows.Scan(&jobID, &kind, &expected, &observed, &deadline, &expired); err != nil {
			return nil, fmt.Errorf("op=asset_counters.active_watermarks.scan: %w", err)
		}
		snap, ok := byJob[jobID]
		if !ok {
			snap = domain.AssetCounters{
				JobID:             jobID,
				Expected:          map[domain.AssetKind]int{},
				Observed:          map[domain.AssetKind]int{},
				WatermarkDeadline: map[domain.AssetKind]time.Time{},
				WatermarkExpired:  map[domain.AssetKind]bool{},
			}
			order = append(order, jobID)
		}
		snap.Expected[kind] = expected
		snap.Observed[kind] = observed
		snap.WatermarkDeadline[kind] = deadline
		snap.WatermarkExpired[kind] = expired
		byJob[jobID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=asset_counters.active_watermarks.rows: %w", err)
	}

	out := make([]domain.AssetCounters, 0, len(order))
	for _, jobID := range order {
		out = append(out, byJob[jobID])
	}
	return out, nil
}

func snapshotTx(ctx domain.Context, tx pgx.Tx, jobID string) (domain.AssetCounters, error) {
	rows, err := tx.Query(ctx, `SELECT kind, expected, observed, watermark_deadline, watermark_expired FROM asset_counters WHERE job_id=$1`, jobID)
	if err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.snapshot_tx: %w", err)
	}
	defer rows.Close()
	return scanSnapshot(jobID, rows)
}

func scanSnapshot(jobID string, rows pgx.Rows) (domain.AssetCounters, error) {
	snap := domain.AssetCounters{
		JobID:             jobID,
		Expected:          map[domain.AssetKind]int{},
		Observed:          map[domain.AssetKind]int{},
		WatermarkDeadline: map[domain.AssetKind]time.Time{},
		WatermarkExpired:  map[domain.AssetKind]bool{},
	}
	for rows.Next() {
		var kind domain.AssetKind
		var expected, observed int
		var deadline time.Time
		var expired bool
		if err := rows.Scan(&kind, &expected, &observed, &deadline, &expired); err != nil {
			return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.scan: %w", err)
		}
		snap.Expected[kind] = expected
		snap.Observed[kind] = observed
		snap.WatermarkDeadline[kind] = deadline
		snap.WatermarkExpired[kind] = expired
	}
	if err := rows.Err(); err != nil {
		return domain.AssetCounters{}, fmt.Errorf("op=asset_counters.rows: %w", err)
	}
	return snap, nil
}
