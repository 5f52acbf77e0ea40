package phase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// watermarkTimers holds the in-process time.AfterFunc timers backing each
// job/kind's watermark deadline. This is the one place the ambient stack
// stays on the standard library (see DESIGN.md): the timers are a pure
// scheduling mechanism, rebuildable from the persisted watermark_deadline
// column, and never the source of truth for whether a kind has expired —
// that's always the asset_counters row a restart re-reads.
type watermarkTimers struct {
	mu       sync.Mutex
	active   map[string]*time.Timer
	counters domain.AssetCounterRepository
	// onExpire re-runs the FSM decision for jobID after a watermark fires.
	// Without it, a job whose only remaining gate is a partially-observed
	// count with no further event forthcoming would never advance past the
	// watermark firing — expiry alone only flips a flag, it doesn't act on it.
	onExpire func(ctx context.Context, jobID string)
}

func newWatermarkTimers(counters domain.AssetCounterRepository, onExpire func(ctx context.Context, jobID string)) *watermarkTimers {
	return &watermarkTimers{active: make(map[string]*time.Timer), counters: counters, onExpire: onExpire}
}

func timerKey(jobID string, kind domain.AssetKind) string {
	return jobID + "/" + string(kind)
}

// arm schedules (or reschedules) the watermark timer for (jobID, kind). If
// one is already running for this key it is left in place — re-arming on
// every event of the same kind would mean a steady trickle of events could
// push the deadline out forever, defeating the watermark's purpose.
func (t *watermarkTimers) arm(ctx context.Context, jobID string, kind domain.AssetKind, d time.Duration) {
	key := timerKey(jobID, kind)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[key]; exists {
		return
	}

	t.active[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.active, key)
		t.mu.Unlock()

		expCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.counters.MarkWatermarkExpired(expCtx, jobID, kind); err != nil {
			slog.Error("mark watermark expired failed", slog.String("job_id", jobID), slog.String("kind", string(kind)), slog.Any("error", err))
			return
		}
		if t.onExpire != nil {
			t.onExpire(expCtx, jobID)
		}
	})
	_ = ctx
}

// Rebuild reconstructs in-process timers for every not-yet-expired
// watermark found on process start, from the persisted deadlines. Without
// this, a restart mid-collection would never expire a watermark whose
// deadline had already passed in-memory but whose timer died with the old
// process.
func (t *watermarkTimers) Rebuild(ctx context.Context, counters []domain.AssetCounters) {
	now := time.Now()
	for _, c := range counters {
		for kind, deadline := range c.WatermarkDeadline {
			if c.WatermarkExpired[kind] {
				continue
			}
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				if err := t.counters.MarkWatermarkExpired(ctx, c.JobID, kind); err != nil {
					slog.Error("mark watermark expired on rebuild failed", slog.String("job_id", c.JobID), slog.Any("error", err))
					continue
				}
				if t.onExpire != nil {
					t.onExpire(ctx, c.JobID)
				}
				continue
			}
			t.arm(ctx, c.JobID, kind, remaining)
		}
	}
}
