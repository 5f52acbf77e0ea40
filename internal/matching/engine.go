package matching

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/eventbus/kafka"
	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// KeypointLoader decodes the opaque keypoint blob a ProductImage or
// VideoFrame references into the keypoint set RANSAC re-scores against. Its
// implementation belongs to the feature extraction runtime and is out of
// scope here; the engine depends only on this port.
type KeypointLoader interface {
	Load(ctx domain.Context, ref string) (KeypointSet, error)
}

// Engine is the matching engine (C8): on match.request, it retrieves
// candidate product/video pairs from the feature store, scores every
// product-image×video-frame pair (deep embedding cosine similarity, edge
// embedding cosine similarity, RANSAC keypoint inlier ratio), aggregates per
// product-video pair per the reference matcher's acceptance rule, persists
// accepted matches with evidence, and publishes matchings.process.completed
// once every candidate pair has been evaluated. It never changes the job's
// phase itself; phase.Service handles that event.
type Engine struct {
	features  domain.FeatureStore
	matches   domain.MatchRepository
	ledger    domain.EventLedger
	keypoints KeypointLoader
	bus       domain.EventBus
	cfg       Config
	rng       *rand.Rand
}

// NewEngine constructs an Engine.
func NewEngine(features domain.FeatureStore, matches domain.MatchRepository, ledger domain.EventLedger, keypoints KeypointLoader, bus domain.EventBus, cfg Config) *Engine {
	return &Engine{
		features:  features,
		matches:   matches,
		ledger:    ledger,
		keypoints: keypoints,
		bus:       bus,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// Dispatcher returns the match.request handler keyed for kafka.Consumer.
func (e *Engine) Dispatcher() kafka.Dispatcher {
	return kafka.Dispatcher{
		kafka.TopicMatchRequest: e.HandleMatchRequest,
	}
}

type matchRequestPayload struct {
	JobID string `json:"job_id"`
}

// HandleMatchRequest is the match.request handler (C8 entry point). It runs
// the full candidate universe for jobID synchronously within this one call,
// then emits matchings.process.completed so C4 can drive the
// matching→evidence transition through its normal ledger-dedup, CAS-commit
// path — the matching engine never updates job phase itself.
func (e *Engine) HandleMatchRequest(ctx domain.Context, env domain.EventEnvelope) error {
	isNew, err := e.ledger.Record(ctx, env.EventID, env.JobID, env.EventName)
	if err != nil {
		return fmt.Errorf("op=matching.handle.ledger: %w", err)
	}
	if !isNew {
		return nil
	}

	var payload matchRequestPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("op=matching.handle.unmarshal: %w: %w", domain.ErrSchemaInvalid, err)
		}
	}
	jobID := env.JobID

	productIDs, videoIDs, err := e.features.CandidateIDs(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=matching.handle.candidates: %w", err)
	}

	accepted := 0
	for _, productID := range productIDs {
		images, err := e.features.ProductImages(ctx, productID)
		if err != nil {
			return fmt.Errorf("op=matching.handle.product_images: %w", err)
		}
		if len(images) == 0 {
			continue
		}

		for _, videoID := range videoIDs {
			pairs, err := e.scoreProductAgainstVideo(ctx, jobID, images, videoID)
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				continue
			}

			result := aggregate(e.cfg, pairs)
			if !result.Accepted {
				continue
			}

			match := domain.Match{
				JobID:         jobID,
				ProductID:     productID,
				VideoID:       videoID,
				BestPairScore: result.BestPairScore,
				Consistency:   result.Consistency,
				FinalScore:    result.FinalScore,
				Evidence:      toEvidence(pairs),
				CreatedAt:     time.Now(),
			}
			if err := e.matches.Upsert(ctx, match); err != nil {
				return fmt.Errorf("op=matching.handle.upsert: %w", err)
			}
			accepted++

			if err := e.publishResult(ctx, jobID, match); err != nil {
				return err
			}
		}
	}

	slog.Info("matching evaluated", slog.String("job_id", jobID),
		slog.Int("products", len(productIDs)), slog.Int("videos", len(videoIDs)),
		slog.Int("accepted", accepted))

	return e.publishProcessCompleted(ctx, jobID)
}

func (e *Engine) publishProcessCompleted(ctx domain.Context, jobID string) error {
	b, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return fmt.Errorf("op=matching.publish_completed.marshal: %w", err)
	}
	return e.bus.Publish(ctx, kafka.TopicMatchingsProcessCompleted, jobID, b, map[string]string{
		"event_name": "matchings.process.completed",
		"event_id":   uuid.NewString(),
		"job_id":     jobID,
	})
}

// scoreProductAgainstVideo narrows candidate frames via ANN retrieval per
// product image (RetrieveSimilar), then scores each narrowed pair: deep and
// edge embedding cosine similarity plus, for pairs clearing SimDeepMin, a
// RANSAC keypoint re-score.
func (e *Engine) scoreProductAgainstVideo(ctx domain.Context, jobID string, images []domain.ProductImage, videoID string) ([]PairScore, error) {
	var pairs []PairScore
	seen := map[string]bool{}

	for _, img := range images {
		frames, err := e.features.RetrieveSimilar(ctx, videoID, img.EmbRGB, e.cfg.RetrievalTopK)
		if err != nil {
			return nil, fmt.Errorf("op=matching.score.retrieve: %w", err)
		}

		for _, fr := range frames {
			key := img.ID + "/" + fr.ID
			if seen[key] {
				continue
			}
			seen[key] = true

			simDeep := cosineSimilarity(img.EmbRGB, fr.EmbRGB)
			if simDeep < e.cfg.SimDeepMin {
				continue
			}
			simEdge := cosineSimilarity(img.EmbGray, fr.EmbGray)

			simKeypoint, inliers, fallback := e.rescoreKeypoints(ctx, img, fr, simDeep)
			if !fallback && simKeypoint < e.cfg.InliersMin {
				continue
			}

			pairs = append(pairs, PairScore{
				ProductImageID: img.ID,
				VideoFrameID:   fr.ID,
				SimDeep:        simDeep,
				SimKeypoint:    simKeypoint,
				SimEdge:        simEdge,
				Inliers:        inliers,
				Fallback:       fallback,
				Score:          calculatePairScore(simDeep, simKeypoint, simEdge),
			})
		}
	}

	return pairs, nil
}

// rescoreKeypoints loads both sides' keypoint sets and runs RANSAC. Per
// §4.8.b, a missing keypoint reference or loader failure substitutes sim_kp
// with simDeep and reports fallback=true, rather than zeroing the signal
// out — since KeypointLoader is frequently unwired (cmd/worker/main.go
// passes nil), this fallback path is the common case, not an edge case.
func (e *Engine) rescoreKeypoints(ctx domain.Context, img domain.ProductImage, fr domain.VideoFrame, simDeep float64) (simKp float64, inliers int, fallback bool) {
	if e.keypoints == nil || img.KeypointRef == "" || fr.KeypointRef == "" {
		return simDeep, 0, true
	}

	productKp, err := e.keypoints.Load(ctx, img.KeypointRef)
	if err != nil {
		slog.Debug("keypoint load failed", slog.String("ref", img.KeypointRef), slog.Any("error", err))
		return simDeep, 0, true
	}
	frameKp, err := e.keypoints.Load(ctx, fr.KeypointRef)
	if err != nil {
		slog.Debug("keypoint load failed", slog.String("ref", fr.KeypointRef), slog.Any("error", err))
		return simDeep, 0, true
	}

	ratio, inliers := ransacInlierRatio(e.cfg, productKp, frameKp, e.rng)
	return ratio, inliers, false
}

func toEvidence(pairs []PairScore) []domain.PairEvidence {
	out := make([]domain.PairEvidence, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, domain.PairEvidence{
			ProductImageID: p.ProductImageID,
			VideoFrameID:   p.VideoFrameID,
			SimDeep:        p.SimDeep,
			SimKeypoint:    p.SimKeypoint,
			SimEdge:        p.SimEdge,
			PairScore:      p.Score,
			Inliers:        p.Inliers,
			Fallback:       p.Fallback,
		})
	}
	return out
}

func (e *Engine) publishResult(ctx domain.Context, jobID string, m domain.Match) error {
	b, err := json.Marshal(map[string]interface{}{
		"job_id":      jobID,
		"product_id":  m.ProductID,
		"video_id":    m.VideoID,
		"final_score": m.FinalScore,
	})
	if err != nil {
		return fmt.Errorf("op=matching.publish_result.marshal: %w", err)
	}
	return e.bus.Publish(ctx, kafka.TopicMatchResult, jobID, b, map[string]string{
		"event_name": "match.result",
		"job_id":     jobID,
	})
}
