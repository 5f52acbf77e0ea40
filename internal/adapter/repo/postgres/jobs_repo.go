// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence with
// type-safe, connection-pooled, traced database operations.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	phase := j.Phase
	if phase == "" {
		phase = domain.PhaseCollection
	}
	q := `INSERT INTO jobs (id, phase, industry, has_images, has_videos, error, created_at, updated_at, idempotency_key) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, phase, j.Industry, j.HasImages, j.HasVideos, j.Error, time.Now().UTC(), time.Now().UTC(), j.IdemKey)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// UpdatePhase performs the CAS phase transition at the heart of C6: the
// UPDATE only matches a row when phase still equals expectedOld, so two
// concurrent completion events racing to advance the same job can only ever
// have one winner. A zero RowsAffected returns a wrapped domain.ErrStalePhase;
// the caller (phase.Service, C4) treats that as "someone else already
// advanced this job" and drops the transition, per the single-emission
// invariant.
func (r *JobRepo) UpdatePhase(ctx domain.Context, id string, expectedOld, newPhase domain.Phase) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdatePhase")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("phase.from", string(expectedOld)),
		attribute.String("phase.to", string(newPhase)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update_phase.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				slog.Error("rollback failed", slog.String("job_id", id), slog.Any("error", rerr))
			}
		}
	}()

	q := `UPDATE jobs SET phase=$3, updated_at=$4 WHERE id=$1 AND phase=$2`
	result, err := tx.Exec(ctx, q, id, expectedOld, newPhase, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_phase.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the job doesn't exist, or the phase already moved on —
		// the caller distinguishes these by re-reading if it needs to.
		if cerr := tx.Commit(ctx); cerr != nil {
			return fmt.Errorf("op=job.update_phase.commit: %w", cerr)
		}
		committed = true
		return fmt.Errorf("op=job.update_phase: %w", domain.ErrStalePhase)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_phase.commit: %w", err)
	}
	committed = true
	slog.Info("job phase advanced", slog.String("job_id", id), slog.String("from", string(expectedOld)), slog.String("to", string(newPhase)))
	return nil
}

// FailJob moves a job to the terminal failed phase regardless of its
// current phase (a fatal handler error or the stuck-job sweeper can fail a
// job from any non-terminal state).
func (r *JobRepo) FailJob(ctx domain.Context, id string, reason string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailJob")
	defer span.End()
	q := `UPDATE jobs SET phase=$2, error=$3, updated_at=$4 WHERE id=$1 AND phase NOT IN ($5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, domain.PhaseFailed, reason, time.Now().UTC(), domain.PhaseCompleted, domain.PhaseFailed)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, phase, COALESCE(industry,''), has_images, has_videos, COALESCE(error,''), created_at, updated_at, idempotency_key FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	var idem *string
	if err := row.Scan(&j.ID, &j.Phase, &j.Industry, &j.HasImages, &j.HasVideos, &j.Error, &j.CreatedAt, &j.UpdatedAt, &idem); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	j.IdemKey = idem
	return j, nil
}

// FindByIdempotencyKey loads a job by idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT id, phase, COALESCE(industry,''), has_images, has_videos, COALESCE(error,''), created_at, updated_at, idempotency_key FROM jobs WHERE idempotency_key=$1 LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, key)
	var j domain.Job
	var idem *string
	if err := row.Scan(&j.ID, &j.Phase, &j.Industry, &j.HasImages, &j.HasVideos, &j.Error, &j.CreatedAt, &j.UpdatedAt, &idem); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	j.IdemKey = idem
	return j, nil
}

// ListStale returns non-terminal jobs whose updated_at predates before, for
// the stuck-job sweeper.
func (r *JobRepo) ListStale(ctx domain.Context, before time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()
	q := `SELECT id, phase, COALESCE(industry,''), has_images, has_videos, COALESCE(error,''), created_at, updated_at, idempotency_key
	      FROM jobs WHERE phase NOT IN ($1,$2) AND updated_at < $3`
	rows, err := r.Pool.Query(ctx, q, domain.PhaseCompleted, domain.PhaseFailed, before)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var idem *string
		if err := rows.Scan(&j.ID, &j.Phase, &j.Industry, &j.HasImages, &j.HasVideos, &j.Error, &j.CreatedAt, &j.UpdatedAt, &idem); err != nil {
			return nil, fmt.Errorf("op=job.list_stale_scan: %w", err)
		}
		j.IdemKey = idem
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stale_rows: %w", err)
	}
	return jobs, nil
}
