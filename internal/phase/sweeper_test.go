package phase

import (
	"context"
	"testing"
	"time"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

type sweeperFakeJobs struct {
	stale  []domain.Job
	failed map[string]string
}

func (f *sweeperFakeJobs) Create(_ domain.Context, j domain.Job) (string, error) { return j.ID, nil }
func (f *sweeperFakeJobs) UpdatePhase(_ domain.Context, _ string, _, _ domain.Phase) error {
	return nil
}
func (f *sweeperFakeJobs) FailJob(_ domain.Context, id string, reason string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = reason
	return nil
}
func (f *sweeperFakeJobs) Get(_ domain.Context, _ string) (domain.Job, error) { return domain.Job{}, nil }
func (f *sweeperFakeJobs) FindByIdempotencyKey(_ domain.Context, _ string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (f *sweeperFakeJobs) ListStale(_ domain.Context, _ time.Time) ([]domain.Job, error) {
	return f.stale, nil
}

func TestStuckJobSweeper_SweepOnceFailsEveryStaleJob(t *testing.T) {
	jobs := &sweeperFakeJobs{stale: []domain.Job{
		{ID: "job-1", Phase: domain.PhaseCollection},
		{ID: "job-2", Phase: domain.PhaseEvidence},
	}}
	s := NewStuckJobSweeper(jobs, time.Hour, time.Minute)

	s.sweepOnce(context.Background())

	if len(jobs.failed) != 2 {
		t.Fatalf("expected both stale jobs marked failed, got %+v", jobs.failed)
	}
	if jobs.failed["job-1"] == "" || jobs.failed["job-2"] == "" {
		t.Fatalf("expected a non-empty failure reason for each job, got %+v", jobs.failed)
	}
}

func TestStuckJobSweeper_NoStaleJobsFailsNothing(t *testing.T) {
	jobs := &sweeperFakeJobs{}
	s := NewStuckJobSweeper(jobs, time.Hour, time.Minute)

	s.sweepOnce(context.Background())

	if len(jobs.failed) != 0 {
		t.Fatalf("expected no jobs marked failed, got %+v", jobs.failed)
	}
}

func TestNewStuckJobSweeper_DefaultsAppliedForNonPositiveDurations(t *testing.T) {
	s := NewStuckJobSweeper(&sweeperFakeJobs{}, 0, 0)
	if s.maxAge != 2*time.Hour {
		t.Fatalf("expected default max age of 2h, got %v", s.maxAge)
	}
	if s.interval != 5*time.Minute {
		t.Fatalf("expected default interval of 5m, got %v", s.interval)
	}
}

func TestStuckJobSweeper_RunStopsOnContextCancellation(t *testing.T) {
	jobs := &sweeperFakeJobs{}
	s := NewStuckJobSweeper(jobs, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return promptly after context cancellation")
	}
}
