package phase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/eventbus/kafka"
	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// payloadValidator checks each decoded event payload against its validate
// struct tags, rejecting malformed payloads before they corrupt the
// asset-count registry (C3).
var payloadValidator = validator.New()

// WatermarkConfig carries the per-kind watermark durations from
// config.Config, kept separate from config to avoid an import cycle.
type WatermarkConfig struct {
	Collection        time.Duration
	FeatureExtraction time.Duration
	Evidence          time.Duration
}

// Service is the phase event service (C4): the static topic→handler table
// that dedups via the event ledger (C2), updates the asset-count registry
// (C3), runs the pure decision function (C5), and performs the CAS phase
// transition (C6), emitting the next phase's trigger event exactly once
// (C7) when the transition succeeds.
type Service struct {
	ledger    domain.EventLedger
	counters  domain.AssetCounterRepository
	jobs      domain.JobRepository
	matches   domain.MatchRepository
	bus       domain.EventBus
	watermark WatermarkConfig
	timers    *watermarkTimers
}

// NewService constructs a Service.
func NewService(ledger domain.EventLedger, counters domain.AssetCounterRepository, jobs domain.JobRepository, matches domain.MatchRepository, bus domain.EventBus, wm WatermarkConfig) *Service {
	s := &Service{
		ledger:    ledger,
		counters:  counters,
		jobs:      jobs,
		matches:   matches,
		bus:       bus,
		watermark: wm,
	}
	s.timers = newWatermarkTimers(counters, s.reevaluateAfterWatermark)
	return s
}

// reevaluateAfterWatermark is the watermark timer's expiry callback: once a
// kind's deadline passes, AssetCounters.Complete may now report complete on
// partial observation, so the job needs exactly the same evaluate pass a
// fresh event would have triggered. Without this, a job waiting on a
// watermark that never gets another event would stall forever.
func (s *Service) reevaluateAfterWatermark(ctx domain.Context, jobID string) {
	counters, err := s.counters.Snapshot(ctx, jobID)
	if err != nil {
		slog.Warn("watermark re-evaluation snapshot failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if err := s.evaluate(ctx, jobID, counters); err != nil {
		slog.Warn("watermark re-evaluation failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// Dispatcher returns the static topic→handler table for kafka.Consumer.
func (s *Service) Dispatcher() kafka.Dispatcher {
	return kafka.Dispatcher{
		kafka.TopicProductsCollectionsCompleted: s.handleProductsCollectionsCompleted,
		kafka.TopicVideosCollectionsCompleted:   s.handleVideosCollectionsCompleted,
		kafka.TopicProductsImagesReadyBatch:     s.handleProductsImagesReadyBatch,
		kafka.TopicVideoKeyframesReadyBatch:     s.handleVideoKeyframesReadyBatch,
		kafka.TopicImageEmbeddingReady:          s.handleImageEmbeddingReady,
		kafka.TopicImageKeypointReady:           s.handleImageKeypointReady,
		kafka.TopicVideoEmbeddingReady:          s.handleVideoEmbeddingReady,
		kafka.TopicVideoKeypointReady:           s.handleVideoKeypointReady,
		kafka.TopicImageEmbeddingsCompleted:     s.handleImageEmbeddingsCompleted,
		kafka.TopicImageKeypointsCompleted:      s.handleImageKeypointsCompleted,
		kafka.TopicVideoEmbeddingsCompleted:     s.handleVideoEmbeddingsCompleted,
		kafka.TopicVideoKeypointsCompleted:      s.handleVideoKeypointsCompleted,
		kafka.TopicMatchingsProcessCompleted:    s.handleMatchingsProcessCompleted,
		kafka.TopicEvidencesGenerationCompleted: s.handleEvidencesGenerationCompleted,
	}
}

type readyBatchPayload struct {
	Total int `json:"total" validate:"gte=0"`
}

type assetReadyPayload struct {
	AssetID string `json:"asset_id" validate:"required"`
}

func (s *Service) handleProductsCollectionsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetProductCollected)
}

func (s *Service) handleVideosCollectionsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetVideoCollected)
}

func (s *Service) handleImageEmbeddingsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetImageEmbeddings)
}

func (s *Service) handleImageKeypointsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetImageKeypoints)
}

func (s *Service) handleVideoEmbeddingsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetVideoEmbeddings)
}

func (s *Service) handleVideoKeypointsCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handlePhaseCompletionFlag(ctx, env, domain.AssetVideoKeypoints)
}

// handlePhaseCompletionFlag dedups env and marks kind terminal for env.JobID
// the moment the upstream *.completed event for kind arrives, independent of
// whatever per-asset ready count this job's own counters have observed so
// far: an externally-computed completion is as authoritative as our own
// count reaching expected, and AssetCounters.Complete treats either as
// sufficient.
func (s *Service) handlePhaseCompletionFlag(ctx domain.Context, env domain.EventEnvelope, kind domain.AssetKind) error {
	isNew, err := s.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=phase.completion_flag.ledger: %w", err)
	}
	if !isNew {
		slog.Debug("duplicate event dropped", slog.String("event_id", env.EventID))
		return nil
	}

	if err := s.counters.SetExpected(ctx, env.JobID, kind, 1, s.watermark.Collection); err != nil {
		return fmt.Errorf("op=phase.completion_flag.set_expected: %w", err)
	}
	counters, err := s.counters.Observe(ctx, env.JobID, kind, 1)
	if err != nil {
		return fmt.Errorf("op=phase.completion_flag.observe: %w", err)
	}
	return s.evaluate(ctx, env.JobID, counters)
}

func (s *Service) handleProductsImagesReadyBatch(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleReadyBatch(ctx, env, domain.AssetImageEmbeddings, domain.AssetImageKeypoints)
}

func (s *Service) handleVideoKeyframesReadyBatch(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleReadyBatch(ctx, env, domain.AssetVideoEmbeddings, domain.AssetVideoKeypoints)
}

// handleReadyBatch records how many per-asset embedding and keypoint readies
// to expect for this job: a batch of N images implies N embeddings AND N
// keypoints, so both counters are primed from the one announcement.
func (s *Service) handleReadyBatch(ctx domain.Context, env domain.EventEnvelope, embeddingsKind, keypointsKind domain.AssetKind) error {
	isNew, err := s.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=phase.ready_batch.ledger: %w", err)
	}
	if !isNew {
		slog.Debug("duplicate event dropped", slog.String("event_id", env.EventID))
		return nil
	}

	var payload readyBatchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("op=phase.ready_batch.unmarshal: %w: %w", domain.ErrSchemaInvalid, err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return fmt.Errorf("op=phase.ready_batch.validate: %w: %w", domain.ErrSchemaInvalid, err)
	}

	if err := s.counters.SetExpected(ctx, env.JobID, embeddingsKind, payload.Total, s.watermark.FeatureExtraction); err != nil {
		return fmt.Errorf("op=phase.ready_batch.set_expected_embeddings: %w", err)
	}
	if err := s.counters.SetExpected(ctx, env.JobID, keypointsKind, payload.Total, s.watermark.FeatureExtraction); err != nil {
		return fmt.Errorf("op=phase.ready_batch.set_expected_keypoints: %w", err)
	}
	s.timers.arm(ctx, env.JobID, embeddingsKind, s.watermark.FeatureExtraction)
	s.timers.arm(ctx, env.JobID, keypointsKind, s.watermark.FeatureExtraction)

	// A total=0 batch leaves both counters terminal immediately
	// (AssetCounters.Complete treats expected=0 as complete), so this may
	// be the last gate the job was waiting on; re-evaluate now rather than
	// waiting for a ready event that will never arrive.
	snap, err := s.counters.Snapshot(ctx, env.JobID)
	if err != nil {
		return fmt.Errorf("op=phase.ready_batch.snapshot: %w", err)
	}
	return s.evaluate(ctx, env.JobID, snap)
}

func (s *Service) handleImageEmbeddingReady(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleAssetReady(ctx, env, domain.AssetImageEmbeddings)
}

func (s *Service) handleImageKeypointReady(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleAssetReady(ctx, env, domain.AssetImageKeypoints)
}

func (s *Service) handleVideoEmbeddingReady(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleAssetReady(ctx, env, domain.AssetVideoEmbeddings)
}

func (s *Service) handleVideoKeypointReady(ctx domain.Context, env domain.EventEnvelope) error {
	return s.handleAssetReady(ctx, env, domain.AssetVideoKeypoints)
}

func (s *Service) handleAssetReady(ctx domain.Context, env domain.EventEnvelope, kind domain.AssetKind) error {
	isNew, err := s.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=phase.asset_ready.ledger: %w", err)
	}
	if !isNew {
		return nil
	}

	var payload assetReadyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("op=phase.asset_ready.unmarshal: %w: %w", domain.ErrSchemaInvalid, err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return fmt.Errorf("op=phase.asset_ready.validate: %w: %w", domain.ErrSchemaInvalid, err)
	}

	counters, err := s.counters.Observe(ctx, env.JobID, kind, 1)
	if err != nil {
		return fmt.Errorf("op=phase.asset_ready.observe: %w", err)
	}
	return s.evaluate(ctx, env.JobID, counters)
}

// handleMatchingsProcessCompleted is the matching→evidence trigger (§4.5):
// the matching engine (C8) only emits this event after it has finished
// scoring every candidate pair for the job; C4 owns the actual transition,
// same as every other phase boundary, so C8 never calls into phase.Service
// directly.
func (s *Service) handleMatchingsProcessCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	isNew, err := s.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=phase.matchings_process_completed.ledger: %w", err)
	}
	if !isNew {
		return nil
	}
	return s.commitTransition(ctx, env.JobID, domain.PhaseMatching, domain.PhaseEvidence)
}

func (s *Service) handleEvidencesGenerationCompleted(ctx domain.Context, env domain.EventEnvelope) error {
	isNew, err := s.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=phase.evidences_generation_completed.ledger: %w", err)
	}
	if !isNew {
		return nil
	}

	counters, err := s.counters.Observe(ctx, env.JobID, domain.AssetMatchEvidenced, 1)
	if err != nil {
		return fmt.Errorf("op=phase.evidences_generation_completed.observe: %w", err)
	}
	return s.evaluate(ctx, env.JobID, counters)
}

// evaluate loads the job, runs the pure decision function against counters,
// and applies the CAS transition if warranted.
func (s *Service) evaluate(ctx domain.Context, jobID string, counters domain.AssetCounters) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=phase.evaluate.get_job: %w", err)
	}

	decision := Decide(job, counters)
	if !decision.Advance {
		return nil
	}
	return s.commitTransition(ctx, jobID, decision.From, decision.To)
}

// RebuildWatermarks reloads every job's un-expired watermarks from storage
// and rearms their in-process timers, undoing the timer loss from a
// process restart.
func (s *Service) RebuildWatermarks(ctx domain.Context) error {
	active, err := s.counters.ActiveWatermarks(ctx)
	if err != nil {
		return fmt.Errorf("op=phase.rebuild_watermarks: %w", err)
	}
	s.timers.Rebuild(ctx, active)
	return nil
}

// commitTransition applies the CAS update (C6) and, only on the winning
// call, emits the next phase's trigger event exactly once (C7). A losing
// CAS (ErrStalePhase) is expected under concurrent delivery and is not an
// error — some other copy of this event, or a concurrent observer crossing
// the same threshold, already advanced the job.
func (s *Service) commitTransition(ctx domain.Context, jobID string, from, to domain.Phase) error {
	err := s.jobs.UpdatePhase(ctx, jobID, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrStalePhase) {
			slog.Debug("phase transition lost race, dropping", slog.String("job_id", jobID), slog.String("to", string(to)))
			return nil
		}
		return fmt.Errorf("op=phase.commit_transition: %w", err)
	}

	slog.Info("phase advanced", slog.String("job_id", jobID), slog.String("from", string(from)), slog.String("to", string(to)))
	return s.emitForTransition(ctx, jobID, to)
}

// emitForTransition publishes the single event that triggers work in the
// newly-entered phase.
func (s *Service) emitForTransition(ctx domain.Context, jobID string, to domain.Phase) error {
	switch to {
	case domain.PhaseMatching:
		b, _ := json.Marshal(map[string]string{"job_id": jobID})
		return s.publish(ctx, kafka.TopicMatchRequest, jobID, "match.request", b)
	case domain.PhaseEvidence:
		count, err := s.matches.CountByJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("op=phase.emit.evidence.count_matches: %w", err)
		}
		if count == 0 {
			// No accepted matches: evidence has nothing to wait on, so the
			// job completes immediately.
			return s.commitTransition(ctx, jobID, domain.PhaseEvidence, domain.PhaseCompleted)
		}
		if err := s.counters.SetExpected(ctx, jobID, domain.AssetMatchEvidenced, count, s.watermark.Evidence); err != nil {
			return fmt.Errorf("op=phase.emit.evidence.set_expected: %w", err)
		}
		s.timers.arm(ctx, jobID, domain.AssetMatchEvidenced, s.watermark.Evidence)
		b, _ := json.Marshal(map[string]string{"job_id": jobID})
		return s.publish(ctx, kafka.TopicEvidenceRequest, jobID, "evidence.request", b)
	case domain.PhaseCompleted:
		b, _ := json.Marshal(map[string]string{"job_id": jobID})
		return s.publish(ctx, kafka.TopicJobCompleted, jobID, "job.completed", b)
	}
	return nil
}

func (s *Service) publish(ctx domain.Context, topic, jobID, eventName string, payload []byte) error {
	return s.bus.Publish(ctx, topic, jobID, payload, map[string]string{"event_name": eventName, "job_id": jobID})
}
