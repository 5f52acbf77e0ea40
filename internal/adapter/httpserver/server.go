package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Server holds the ports the ambient HTTP surface reads from: job lookup
// for the internal debug endpoint, plus the readiness checks wired at
// startup.
type Server struct {
	Jobs           domain.JobRepository
	Matches        domain.MatchRepository
	ReadinessChecks map[string]ReadinessCheck
}

// NewServer constructs a Server.
func NewServer(jobs domain.JobRepository, matches domain.MatchRepository, checks map[string]ReadinessCheck) *Server {
	return &Server{Jobs: jobs, Matches: matches, ReadinessChecks: checks}
}

// HealthzHandler is a liveness probe: always 200 once the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs every registered readiness check and reports 503 if any
// fail, naming the failing dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		failures := map[string]string{}
		for name, check := range s.ReadinessChecks {
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"checks": failures,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type jobDetailResponse struct {
	ID          string `json:"id"`
	Phase       string `json:"phase"`
	Error       string `json:"error,omitempty"`
	MatchCount  int    `json:"match_count"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// JobDetailHandler serves the internal debug endpoint (SPEC_FULL.md §10):
// a job's current phase and accepted-match count, for operators
// diagnosing a stuck or failed pipeline run.
func (s *Server) JobDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}

		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		count, err := s.Matches.CountByJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, jobDetailResponse{
			ID:         job.ID,
			Phase:      string(job.Phase),
			Error:      job.Error,
			MatchCount: count,
			CreatedAt:  job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
		})
	}
}
