package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

type fakeJobs struct {
	job domain.Job
	err error
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) { return j.ID, nil }
func (f *fakeJobs) UpdatePhase(_ domain.Context, _ string, _, _ domain.Phase) error {
	return nil
}
func (f *fakeJobs) FailJob(_ domain.Context, _ string, _ string) error { return nil }
func (f *fakeJobs) Get(_ domain.Context, _ string) (domain.Job, error) {
	return f.job, f.err
}
func (f *fakeJobs) FindByIdempotencyKey(_ domain.Context, _ string) (domain.Job, error) {
	return f.job, f.err
}
func (f *fakeJobs) ListStale(_ domain.Context, _ time.Time) ([]domain.Job, error) { return nil, nil }

type fakeMatches struct {
	count int
	err   error
}

func (f *fakeMatches) Upsert(_ domain.Context, _ domain.Match) error { return nil }
func (f *fakeMatches) CountByJob(_ domain.Context, _ string) (int, error) {
	return f.count, f.err
}

func TestHealthzHandler_AlwaysOK(t *testing.T) {
	s := NewServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.HealthzHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzHandler_AllChecksPassReturns200(t *testing.T) {
	checks := map[string]ReadinessCheck{
		"db": func(_ context.Context) error { return nil },
	}
	s := NewServer(nil, nil, checks)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.ReadyzHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzHandler_FailingCheckReturns503WithName(t *testing.T) {
	checks := map[string]ReadinessCheck{
		"kafka": func(_ context.Context) error { return errors.New("broker unreachable") },
	}
	s := NewServer(nil, nil, checks)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.ReadyzHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	checksOut, ok := body["checks"].(map[string]interface{})
	if !ok || checksOut["kafka"] == nil {
		t.Fatalf("expected failing check named in body, got %v", body)
	}
}

func TestJobDetailHandler_Success(t *testing.T) {
	now := time.Now()
	jobs := &fakeJobs{job: domain.Job{ID: "job-1", Phase: domain.PhaseMatching, CreatedAt: now, UpdatedAt: now}}
	matches := &fakeMatches{count: 3}
	s := NewServer(jobs, matches, nil)

	r := chi.NewRouter()
	r.Get("/internal/jobs/{id}", s.JobDetailHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs/job-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got jobDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if got.ID != "job-1" || got.Phase != string(domain.PhaseMatching) || got.MatchCount != 3 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestJobDetailHandler_NotFoundMapsTo404(t *testing.T) {
	jobs := &fakeJobs{err: domain.ErrNotFound}
	s := NewServer(jobs, &fakeMatches{}, nil)

	r := chi.NewRouter()
	r.Get("/internal/jobs/{id}", s.JobDetailHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
