package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// MatchRepo persists accepted product↔video matches with their evidence
// (C8 write side).
type MatchRepo struct{ Pool PgxPool }

// NewMatchRepo constructs a MatchRepo.
func NewMatchRepo(p PgxPool) *MatchRepo { return &MatchRepo{Pool: p} }

// Upsert writes m, replacing any prior match for the same
// (job_id, product_id, video_id) triple — a match re-computed after a
// late-arriving evidence event is an update, not a duplicate.
func (r *MatchRepo) Upsert(ctx domain.Context, m domain.Match) error {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "matches"),
	)

	evidence, err := json.Marshal(m.Evidence)
	if err != nil {
		return fmt.Errorf("op=matches.upsert.marshal_evidence: %w", err)
	}

	q := `INSERT INTO matches (job_id, product_id, video_id, best_pair_score, consistency, final_score, evidence, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (job_id, product_id, video_id) DO UPDATE SET
	        best_pair_score = EXCLUDED.best_pair_score,
	        consistency     = EXCLUDED.consistency,
	        final_score     = EXCLUDED.final_score,
	        evidence        = EXCLUDED.evidence`
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.Pool.Exec(ctx, q, m.JobID, m.ProductID, m.VideoID, m.BestPairScore, m.Consistency, m.FinalScore, evidence, createdAt)
	if err != nil {
		return fmt.Errorf("op=matches.upsert: %w", err)
	}
	return nil
}

// CountByJob returns how many accepted matches exist for jobID, used by the
// evidence-phase asset counter to know how many evidences.generation.completed
// events to expect.
func (r *MatchRepo) CountByJob(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.CountByJob")
	defer span.End()
	var count int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM matches WHERE job_id=$1`, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=matches.count_by_job: %w", err)
	}
	return count, nil
}
