// Package phase implements the job-scoped phase FSM (C4/C5/C6/C7): a pure
// decision function over the asset-count registry's snapshot, a CAS-guarded
// phase store, and a single-emission completion event.
package phase

import (
	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// gateForPhase maps each phase to the asset kind(s) that must be complete
// before the job may advance out of it. PhaseFeatureExtraction is handled
// separately by decideFeatureExtraction, since its required set depends on
// which asset types the job actually has.
var gateForPhase = map[domain.Phase][]domain.AssetKind{
	domain.PhaseCollection: {domain.AssetProductCollected, domain.AssetVideoCollected},
	domain.PhaseEvidence:   {domain.AssetMatchEvidenced},
}

// Decision is the outcome of evaluating a job against its asset-counter
// snapshot: either advance to Next, or stay put (Advance == false).
type Decision struct {
	Advance bool
	From    domain.Phase
	To      domain.Phase
}

// Decide is the pure function at the center of C5: given a job's current
// phase and its asset-counter snapshot, it decides whether every gate for
// the current phase is satisfied and, if so, what the next phase is. It has
// no side effects and performs no I/O — it is called once per relevant
// event, and the caller (C4) is responsible for making the resulting
// transition happen exactly once via C6's CAS update.
func Decide(job domain.Job, counters domain.AssetCounters) Decision {
	if job.Phase.IsTerminal() {
		return Decision{Advance: false, From: job.Phase}
	}

	if job.Phase == domain.PhaseFeatureExtraction {
		return decideFeatureExtraction(job, counters)
	}

	gates, hasGates := gateForPhase[job.Phase]
	if !hasGates {
		// PhaseMatching has no asset-count gate of its own: it advances
		// when the matching engine's matchings.process.completed event
		// arrives, which the phase service handles through the same
		// ledger-dedup, CAS-commit path as every other transition (not a
		// bespoke direct call from the matching engine).
		return Decision{Advance: false, From: job.Phase}
	}

	for _, kind := range gates {
		if !counters.Complete(kind) {
			return Decision{Advance: false, From: job.Phase}
		}
	}

	next, ok := job.Phase.Next()
	if !ok {
		return Decision{Advance: false, From: job.Phase}
	}
	return Decision{Advance: true, From: job.Phase, To: next}
}

// decideFeatureExtraction applies the required-asset-type-set rule (§4.5):
// a job waits only on the feature completions for the asset types it
// actually has, and a job with neither images nor videos (asset_flags all
// false) skips the gate entirely, advancing straight to matching.
func decideFeatureExtraction(job domain.Job, counters domain.AssetCounters) Decision {
	if !job.HasImages && !job.HasVideos {
		return Decision{Advance: true, From: job.Phase, To: domain.PhaseMatching}
	}

	var required []domain.AssetKind
	if job.HasImages {
		required = append(required, domain.AssetImageEmbeddings, domain.AssetImageKeypoints)
	}
	if job.HasVideos {
		required = append(required, domain.AssetVideoEmbeddings, domain.AssetVideoKeypoints)
	}

	for _, kind := range required {
		if !counters.Complete(kind) {
			return Decision{Advance: false, From: job.Phase}
		}
	}
	return Decision{Advance: true, From: job.Phase, To: domain.PhaseMatching}
}
