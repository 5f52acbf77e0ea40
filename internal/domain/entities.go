// Package domain defines the core entities, ports, and domain-specific
// errors for the job-scoped matching pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrStalePhase        = errors.New("stale phase transition")
	ErrInternal          = errors.New("internal error")
)

// ErrorKind classifies an error for retry/DLQ routing, mirroring the four
// kinds the pipeline must distinguish: transient infra failures are
// retried, validation/logical failures are not.
type ErrorKind string

const (
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindLogical    ErrorKind = "logical"
	ErrorKindData       ErrorKind = "data"
)

// ClassifyError maps a handler error to its ErrorKind for retry routing.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamRateLimit), errors.Is(err, ErrRateLimited):
		return ErrorKindTransient
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrSchemaInvalid):
		return ErrorKindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrStalePhase):
		return ErrorKindLogical
	default:
		return ErrorKindData
	}
}

// Phase is the job-scoped FSM state.
type Phase string

const (
	PhaseCollection        Phase = "collection"
	PhaseFeatureExtraction Phase = "feature_extraction"
	PhaseMatching          Phase = "matching"
	PhaseEvidence          Phase = "evidence"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

// terminalPhases are phases with no outbound transition.
var terminalPhases = map[Phase]bool{
	PhaseCompleted: true,
	PhaseFailed:    true,
}

// IsTerminal reports whether p has no outbound transition.
func (p Phase) IsTerminal() bool { return terminalPhases[p] }

// Next returns the phase that follows p in the nominal (non-failure) path,
// and false if p is terminal.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseCollection:
		return PhaseFeatureExtraction, true
	case PhaseFeatureExtraction:
		return PhaseMatching, true
	case PhaseMatching:
		return PhaseEvidence, true
	case PhaseEvidence:
		return PhaseCompleted, true
	default:
		return "", false
	}
}

// Job is the domain model for a product-video matching job. HasImages and
// HasVideos are the asset_flags set at admission time: a job with both
// false has nothing for the collectors to produce and skips the
// feature_extraction gate entirely (§4.5's zero-asset transition row).
type Job struct {
	ID        string
	Phase     Phase
	Industry  string
	HasImages bool
	HasVideos bool
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	IdemKey   *string
}

// AssetKind enumerates the asset types counted per job by the asset-count
// registry (C3) to gate phase transitions. Embeddings and keypoints are
// tracked as distinct kinds per asset type, mirroring the four separate
// completion events the wire protocol defines (image/video ×
// embeddings/keypoints); collapsing them into one counter per asset type
// would let a job with embeddings done but keypoints still pending read as
// "featured" prematurely.
type AssetKind string

const (
	AssetProductCollected AssetKind = "product_collected"
	AssetVideoCollected   AssetKind = "video_collected"
	AssetImageEmbeddings  AssetKind = "image_embeddings"
	AssetImageKeypoints   AssetKind = "image_keypoints"
	AssetVideoEmbeddings  AssetKind = "video_embeddings"
	AssetVideoKeypoints   AssetKind = "video_keypoints"
	AssetMatchEvidenced   AssetKind = "match_evidenced"
)

// AssetCounters is a per-job snapshot of the asset-count registry used by
// the pure phase-decision function.
type AssetCounters struct {
	JobID             string
	Expected          map[AssetKind]int
	Observed          map[AssetKind]int
	WatermarkDeadline map[AssetKind]time.Time
	WatermarkExpired  map[AssetKind]bool
}

// Complete reports whether the observed count for kind has reached the
// expected count, the watermark for kind has expired with at least one
// observation (partial completion per spec), or kind was initialized with
// an expected count of zero (terminal immediately, per §4.3: a batch
// announcing zero items never needs to wait on per-item readies).
func (c AssetCounters) Complete(kind AssetKind) bool {
	expected, hasExpected := c.Expected[kind]
	if hasExpected && expected == 0 {
		return true
	}
	observed := c.Observed[kind]
	if hasExpected && observed >= expected {
		return true
	}
	if c.WatermarkExpired[kind] && observed > 0 {
		return true
	}
	return false
}

// Match is a persisted accepted product↔video match with evidence.
type Match struct {
	JobID        string
	ProductID    string
	VideoID      string
	BestPairScore float64
	Consistency   int
	FinalScore    float64
	Evidence      []PairEvidence
	CreatedAt     time.Time
}

// PairEvidence is the per-frame evidence backing a match's score.
type PairEvidence struct {
	ProductImageID string
	VideoFrameID   string
	SimDeep        float64
	SimKeypoint    float64
	SimEdge        float64
	PairScore      float64
	Inliers        int
	// Fallback is true when SimKeypoint was substituted with SimDeep
	// because a keypoint blob was missing or failed to load (§4.8.b).
	Fallback bool
}

// ProductImage is a single product image with its extracted feature
// vectors, read from the feature store (C9).
type ProductImage struct {
	ID          string
	ProductID   string
	EmbRGB      []float32
	EmbGray     []float32
	KeypointRef string
}

// VideoFrame is a single sampled video frame with its extracted feature
// vectors, read from the feature store (C9).
type VideoFrame struct {
	ID          string
	VideoID     string
	TimestampMS int64
	EmbRGB      []float32
	EmbGray     []float32
	KeypointRef string
}

// Repositories (ports)

// JobRepository manages job records and their phase (C6).
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	// UpdatePhase performs a compare-and-swap phase transition: it succeeds
	// only if the job's current phase equals expectedOld.
	UpdatePhase(ctx Context, id string, expectedOld, newPhase Phase) error
	FailJob(ctx Context, id string, reason string) error
	Get(ctx Context, id string) (Job, error)
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	// ListStale returns non-terminal jobs whose UpdatedAt is older than before.
	ListStale(ctx Context, before time.Time) ([]Job, error)
}

// EventLedger is the idempotency ledger (C2): Record reports whether the
// event_id was newly recorded (true) or already seen (false, i.e. a
// duplicate delivery that must be dropped after dedup).
type EventLedger interface {
	Record(ctx Context, eventID, jobID, eventName string) (isNew bool, err error)
}

// AssetCounterRepository is the asset-count registry (C3).
type AssetCounterRepository interface {
	// SetExpected records the expected count for kind on jobID, set once
	// when the producing phase fans out work.
	SetExpected(ctx Context, jobID string, kind AssetKind, expected int, watermark time.Duration) error
	// Observe increments the observed count for kind on jobID by delta and
	// returns the counters snapshot after the increment, inside a single
	// row-locked transaction.
	Observe(ctx Context, jobID string, kind AssetKind, delta int) (AssetCounters, error)
	// Snapshot returns the current counters without mutating them.
	Snapshot(ctx Context, jobID string) (AssetCounters, error)
	// ExpireWatermarks marks kinds whose deadline has passed as expired and
	// returns the jobIDs affected, for the watermark timer callback (C3).
	MarkWatermarkExpired(ctx Context, jobID string, kind AssetKind) error
	// ActiveWatermarks returns counters for every job with an un-expired
	// watermark, used to rebuild in-process timers after a restart.
	ActiveWatermarks(ctx Context) ([]AssetCounters, error)
}

// FeatureStore is the read model over extracted features (C9).
type FeatureStore interface {
	ProductImages(ctx Context, productID string) ([]ProductImage, error)
	VideoFrames(ctx Context, videoID string) ([]VideoFrame, error)
	// RetrieveSimilar returns the topK video frames closest to the query
	// embedding by cosine distance, restricted to frames of videoID.
	RetrieveSimilar(ctx Context, videoID string, query []float32, topK int) ([]VideoFrame, error)
	// CandidateIDs returns the product and video IDs collected for jobID,
	// the universe of pairs the matching engine (C8) evaluates.
	CandidateIDs(ctx Context, jobID string) (productIDs []string, videoIDs []string, err error)
}

// MatchRepository persists accepted matches (C8 write side).
type MatchRepository interface {
	Upsert(ctx Context, m Match) error
	CountByJob(ctx Context, jobID string) (int, error)
}

// EventBus is the event bus adapter port (C1).
type EventBus interface {
	Publish(ctx Context, topic string, key string, payload []byte, headers map[string]string) error
}

// Context is a type alias to stdlib context.Context for convenience across
// layers; adapters pass context.Context through directly.
type Context = context.Context

// EventEnvelope is the normalized shape of every event on the bus: an
// event/job identity plus an opaque, event-specific payload.
type EventEnvelope struct {
	EventID     string
	EventName   string
	JobID       string
	OccurredAt  time.Time
	Payload     []byte
}
