package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/repo/postgres"
	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

func TestJobRepo_Create_GeneratesIDWhenEmpty(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	id, err := repo.Create(context.Background(), domain.Job{Industry: "electronics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated id")
	}
}

func TestJobRepo_Create_ExecError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("db down")}
	repo := postgres.NewJobRepo(pool)

	if _, err := repo.Create(context.Background(), domain.Job{ID: "job-1"}); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepo_Get_Success(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "job-1"
		*(dest[1].(*domain.Phase)) = domain.PhaseMatching
		*(dest[2].(*string)) = "electronics"
		*(dest[3].(*bool)) = true
		*(dest[4].(*bool)) = false
		*(dest[5].(*string)) = ""
		*(dest[6].(*time.Time)) = now
		*(dest[7].(*time.Time)) = now
		*(dest[8].(**string)) = nil
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)

	job, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != "job-1" || job.Phase != domain.PhaseMatching {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestJobRepo_FailJob(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	if err := repo.FailJob(context.Background(), "job-1", "handler panic"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
