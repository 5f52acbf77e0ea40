package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// LedgerRepo is the event idempotency ledger (C2): processed_events records
// one row per event_id ever accepted, so a redelivered event is recognized
// and dropped before it can double-count an asset or double-fire a
// transition.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Record inserts (event_id, job_id, event_name) and reports whether this
// insert was the first for event_id. The ON CONFLICT DO NOTHING makes this
// safe under concurrent delivery of the same event to two workers: exactly
// one insert wins, and RowsAffected distinguishes winner from loser without
// a separate SELECT.
func (r *LedgerRepo) Record(ctx domain.Context, eventID, jobID, eventName string) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "processed_events"),
	)

	q := `INSERT INTO processed_events (event_id, job_id, event_name, processed_at)
	      VALUES ($1,$2,$3, now()) ON CONFLICT (event_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, eventID, jobID, eventName)
	if err != nil {
		return false, fmt.Errorf("op=ledger.record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
