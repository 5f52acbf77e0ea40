package phase

import (
	"context"
	"testing"
	"time"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/eventbus/kafka"
	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

type svcFakeLedger struct{ seen map[string]bool }

func newSvcFakeLedger() *svcFakeLedger { return &svcFakeLedger{seen: map[string]bool{}} }
func (f *svcFakeLedger) Record(_ domain.Context, eventID, _, _ string) (bool, error) {
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

// svcFakeCounters is a minimal in-memory stand-in for the asset_counters
// table, tracking one AssetCounters snapshot per job.
type svcFakeCounters struct {
	byJob map[string]domain.AssetCounters
}

func newSvcFakeCounters() *svcFakeCounters {
	return &svcFakeCounters{byJob: map[string]domain.AssetCounters{}}
}

func (f *svcFakeCounters) snapshot(jobID string) domain.AssetCounters {
	c, ok := f.byJob[jobID]
	if !ok {
		c = domain.AssetCounters{
			JobID:             jobID,
			Expected:          map[domain.AssetKind]int{},
			Observed:          map[domain.AssetKind]int{},
			WatermarkDeadline: map[domain.AssetKind]time.Time{},
			WatermarkExpired:  map[domain.AssetKind]bool{},
		}
		f.byJob[jobID] = c
	}
	return c
}

func (f *svcFakeCounters) SetExpected(_ domain.Context, jobID string, kind domain.AssetKind, expected int, watermark time.Duration) error {
	c := f.snapshot(jobID)
	c.Expected[kind] = expected
	c.WatermarkDeadline[kind] = time.Now().Add(watermark)
	f.byJob[jobID] = c
	return nil
}

func (f *svcFakeCounters) Observe(_ domain.Context, jobID string, kind domain.AssetKind, delta int) (domain.AssetCounters, error) {
	c := f.snapshot(jobID)
	c.Observed[kind] += delta
	f.byJob[jobID] = c
	return c, nil
}

func (f *svcFakeCounters) Snapshot(_ domain.Context, jobID string) (domain.AssetCounters, error) {
	return f.snapshot(jobID), nil
}

func (f *svcFakeCounters) MarkWatermarkExpired(_ domain.Context, jobID string, kind domain.AssetKind) error {
	c := f.snapshot(jobID)
	c.WatermarkExpired[kind] = true
	f.byJob[jobID] = c
	return nil
}

func (f *svcFakeCounters) ActiveWatermarks(_ domain.Context) ([]domain.AssetCounters, error) {
	var out []domain.AssetCounters
	for _, c := range f.byJob {
		out = append(out, c)
	}
	return out, nil
}

type svcFakeJobs struct{ job domain.Job }

func (f *svcFakeJobs) Create(_ domain.Context, j domain.Job) (string, error) { return j.ID, nil }
func (f *svcFakeJobs) UpdatePhase(_ domain.Context, _ string, expectedOld, newPhase domain.Phase) error {
	if f.job.Phase != expectedOld {
		return domain.ErrStalePhase
	}
	f.job.Phase = newPhase
	return nil
}
func (f *svcFakeJobs) FailJob(_ domain.Context, _ string, reason string) error {
	f.job.Phase = domain.PhaseFailed
	f.job.Error = reason
	return nil
}
func (f *svcFakeJobs) Get(_ domain.Context, _ string) (domain.Job, error) { return f.job, nil }
func (f *svcFakeJobs) FindByIdempotencyKey(_ domain.Context, _ string) (domain.Job, error) {
	return f.job, nil
}
func (f *svcFakeJobs) ListStale(_ domain.Context, _ time.Time) ([]domain.Job, error) { return nil, nil }

type svcFakeMatches struct{ count int }

func (f *svcFakeMatches) Upsert(_ domain.Context, _ domain.Match) error { return nil }
func (f *svcFakeMatches) CountByJob(_ domain.Context, _ string) (int, error) {
	return f.count, nil
}

type svcFakeBus struct{ published []string }

func (f *svcFakeBus) Publish(_ domain.Context, topic, _ string, _ []byte, _ map[string]string) error {
	f.published = append(f.published, topic)
	return nil
}

func newTestService(jobs *svcFakeJobs, matches *svcFakeMatches) (*Service, *svcFakeCounters, *svcFakeBus) {
	counters := newSvcFakeCounters()
	bus := &svcFakeBus{}
	svc := NewService(newSvcFakeLedger(), counters, jobs, matches, bus, WatermarkConfig{
		Collection:        time.Minute,
		FeatureExtraction: time.Minute,
		Evidence:          time.Minute,
	})
	return svc, counters, bus
}

func TestHandleProductsCollectionsCompleted_ObservesFlagAndWaitsOnVideos(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCollection, HasImages: true, HasVideos: true}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{})

	env := domain.EventEnvelope{EventID: "evt-1", EventName: "products.collections.completed", JobID: "job-1"}
	if err := svc.handleProductsCollectionsCompleted(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := counters.snapshot("job-1")
	if !snap.Complete(domain.AssetProductCollected) {
		t.Fatalf("expected product_collected to flip complete, got %+v", snap.Observed)
	}
	if jobs.job.Phase != domain.PhaseCollection {
		t.Fatalf("collection requires both products and videos, should not advance yet, got %s", jobs.job.Phase)
	}
}

func TestHandleCollectionsCompleted_DuplicateEventIsNoOp(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCollection, HasImages: true, HasVideos: true}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{})

	env := domain.EventEnvelope{EventID: "evt-1", EventName: "products.collections.completed", JobID: "job-1"}
	if err := svc.handleProductsCollectionsCompleted(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.handleProductsCollectionsCompleted(context.Background(), env); err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	snap := counters.snapshot("job-1")
	if snap.Observed[domain.AssetProductCollected] != 1 {
		t.Fatalf("duplicate delivery must not double-count, got %+v", snap.Observed)
	}
}

func TestEvaluate_BothCollectionFlagsAdvancesToFeatureExtraction(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCollection, HasImages: true, HasVideos: true}}
	svc, _, bus := newTestService(jobs, &svcFakeMatches{})

	products := domain.EventEnvelope{EventID: "evt-products", EventName: "products.collections.completed", JobID: "job-1"}
	videos := domain.EventEnvelope{EventID: "evt-videos", EventName: "videos.collections.completed", JobID: "job-1"}
	if err := svc.handleProductsCollectionsCompleted(context.Background(), products); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.handleVideosCollectionsCompleted(context.Background(), videos); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseFeatureExtraction {
		t.Fatalf("expected advance to feature_extraction, got %s", jobs.job.Phase)
	}
}

func TestHandleReadyBatch_ZeroTotalCompletesGateImmediately(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseFeatureExtraction, HasImages: true}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{})

	batch := domain.EventEnvelope{EventID: "evt-batch", EventName: "products.images.ready.batch", JobID: "job-1", Payload: []byte(`{"total":0}`)}
	if err := svc.handleProductsImagesReadyBatch(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := counters.snapshot("job-1")
	if !snap.Complete(domain.AssetImageEmbeddings) || !snap.Complete(domain.AssetImageKeypoints) {
		t.Fatalf("expected a total=0 batch to leave both image gates immediately complete, got %+v", snap.Expected)
	}
	if jobs.job.Phase != domain.PhaseMatching {
		t.Fatalf("expected a zero-item image-only job to advance straight to matching, got %s", jobs.job.Phase)
	}
}

func TestHandleAssetReady_AdvancesToMatchingAndEmitsMatchRequest(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseFeatureExtraction, HasImages: true, HasVideos: true}}
	svc, counters, bus := newTestService(jobs, &svcFakeMatches{})
	counters.byJob["job-1"] = domain.AssetCounters{
		JobID: "job-1",
		Expected: map[domain.AssetKind]int{
			domain.AssetImageEmbeddings: 1, domain.AssetImageKeypoints: 1,
			domain.AssetVideoEmbeddings: 1, domain.AssetVideoKeypoints: 1,
		},
		Observed:          map[domain.AssetKind]int{},
		WatermarkDeadline: map[domain.AssetKind]time.Time{},
		WatermarkExpired:  map[domain.AssetKind]bool{},
	}

	events := []domain.EventEnvelope{
		{EventID: "evt-ie", EventName: "image.embedding.ready", JobID: "job-1", Payload: []byte(`{"asset_id":"img-1"}`)},
		{EventID: "evt-ik", EventName: "image.keypoint.ready", JobID: "job-1", Payload: []byte(`{"asset_id":"img-1"}`)},
		{EventID: "evt-ve", EventName: "video.embedding.ready", JobID: "job-1", Payload: []byte(`{"asset_id":"frame-1"}`)},
		{EventID: "evt-vk", EventName: "video.keypoint.ready", JobID: "job-1", Payload: []byte(`{"asset_id":"frame-1"}`)},
	}
	if err := svc.handleImageEmbeddingReady(context.Background(), events[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.handleImageKeypointReady(context.Background(), events[1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.handleVideoEmbeddingReady(context.Background(), events[2]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.handleVideoKeypointReady(context.Background(), events[3]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if jobs.job.Phase != domain.PhaseMatching {
		t.Fatalf("expected advance to matching, got %s", jobs.job.Phase)
	}
	found := false
	for _, topic := range bus.published {
		if topic == kafka.TopicMatchRequest {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected match.request to be published, got %v", bus.published)
	}
}

func TestDecideFeatureExtraction_ZeroAssetJobSkipsGate(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseFeatureExtraction}}
	svc, _, _ := newTestService(jobs, &svcFakeMatches{})

	if err := svc.evaluate(context.Background(), "job-1", domain.AssetCounters{JobID: "job-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseMatching {
		t.Fatalf("a job with neither images nor videos must skip the feature_extraction gate entirely, got %s", jobs.job.Phase)
	}
}

func TestHandleMatchingsProcessCompleted_AdvancesToEvidence(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseMatching}}
	svc, _, bus := newTestService(jobs, &svcFakeMatches{count: 0})

	env := domain.EventEnvelope{EventID: "evt-1", EventName: "matchings.process.completed", JobID: "job-1"}
	if err := svc.handleMatchingsProcessCompleted(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseCompleted {
		t.Fatalf("expected chained evidence->completed transition (zero matches), got %s", jobs.job.Phase)
	}
	found := false
	for _, topic := range bus.published {
		if topic == kafka.TopicJobCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job.completed to be published, got %v", bus.published)
	}
}

func TestHandleEvidencesGenerationCompleted_NoAcceptedMatchesCompletesImmediately(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseEvidence}}
	svc, _, bus := newTestService(jobs, &svcFakeMatches{count: 0})

	if err := svc.emitForTransition(context.Background(), "job-1", domain.PhaseEvidence); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseCompleted {
		t.Fatalf("expected job to complete immediately with zero accepted matches, got %s", jobs.job.Phase)
	}
	found := false
	for _, topic := range bus.published {
		if topic == kafka.TopicJobCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job.completed to be published, got %v", bus.published)
	}
}

func TestHandleEvidencesGenerationCompleted_WaitsForAllAcceptedMatchesThenCompletes(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseEvidence}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{count: 2})

	if err := svc.emitForTransition(context.Background(), "job-1", domain.PhaseEvidence); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseEvidence {
		t.Fatalf("expected job to stay in evidence with matches outstanding, got %s", jobs.job.Phase)
	}
	snap := counters.snapshot("job-1")
	if snap.Expected[domain.AssetMatchEvidenced] != 2 {
		t.Fatalf("expected evidence gate primed to 2, got %+v", snap.Expected)
	}

	first := domain.EventEnvelope{EventID: "evt-e1", EventName: "evidences.generation.completed", JobID: "job-1"}
	second := domain.EventEnvelope{EventID: "evt-e2", EventName: "evidences.generation.completed", JobID: "job-1"}
	if err := svc.handleEvidencesGenerationCompleted(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseEvidence {
		t.Fatalf("one of two evidence events must not complete the job yet, got %s", jobs.job.Phase)
	}
	if err := svc.handleEvidencesGenerationCompleted(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.job.Phase != domain.PhaseCompleted {
		t.Fatalf("expected job to complete once both evidence events observed, got %s", jobs.job.Phase)
	}
}

func TestCommitTransition_StaleCASIsNotAnError(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCompleted}}
	svc, _, bus := newTestService(jobs, &svcFakeMatches{})

	if err := svc.commitTransition(context.Background(), "job-1", domain.PhaseEvidence, domain.PhaseCompleted); err != nil {
		t.Fatalf("a lost CAS race must not surface as an error, got %v", err)
	}
	if len(bus.published) != 0 {
		t.Fatalf("a lost CAS race must not emit anything, got %v", bus.published)
	}
}

func TestWatermarkExpiry_ReevaluatesWithoutAdvancingWhileVideosOutstanding(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCollection, HasImages: true}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{})
	counters.byJob["job-1"] = domain.AssetCounters{
		JobID:             "job-1",
		Expected:          map[domain.AssetKind]int{domain.AssetProductCollected: 1},
		Observed:          map[domain.AssetKind]int{domain.AssetProductCollected: 0},
		WatermarkDeadline: map[domain.AssetKind]time.Time{},
		WatermarkExpired:  map[domain.AssetKind]bool{},
	}
	if _, err := counters.Observe(context.Background(), "job-1", domain.AssetProductCollected, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.reevaluateAfterWatermark(context.Background(), "job-1")
	if jobs.job.Phase != domain.PhaseCollection {
		t.Fatalf("no observation yet, watermark expiry alone with zero observed must not advance, got %s", jobs.job.Phase)
	}

	if _, err := counters.Observe(context.Background(), "job-1", domain.AssetProductCollected, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := counters.MarkWatermarkExpired(context.Background(), "job-1", domain.AssetProductCollected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.reevaluateAfterWatermark(context.Background(), "job-1")
	if jobs.job.Phase != domain.PhaseCollection {
		t.Fatalf("videos still outstanding, should not advance past collection yet, got %s", jobs.job.Phase)
	}
	snap := counters.snapshot("job-1")
	if !snap.Complete(domain.AssetProductCollected) {
		t.Fatalf("expected product_collected to report complete once observed reaches expected")
	}
}

func TestRebuildWatermarks_ArmsTimersFromActiveSnapshot(t *testing.T) {
	jobs := &svcFakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseCollection}}
	svc, counters, _ := newTestService(jobs, &svcFakeMatches{})
	counters.byJob["job-1"] = domain.AssetCounters{
		JobID:             "job-1",
		Expected:          map[domain.AssetKind]int{domain.AssetVideoCollected: 5},
		Observed:          map[domain.AssetKind]int{domain.AssetVideoCollected: 1},
		WatermarkDeadline: map[domain.AssetKind]time.Time{domain.AssetVideoCollected: time.Now().Add(time.Hour)},
		WatermarkExpired:  map[domain.AssetKind]bool{},
	}

	if err := svc.RebuildWatermarks(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := timerKey("job-1", domain.AssetVideoCollected)
	svc.timers.mu.Lock()
	_, armed := svc.timers.active[key]
	svc.timers.mu.Unlock()
	if !armed {
		t.Fatalf("expected a future watermark deadline to rearm an in-process timer")
	}
}
