package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/ingest"
	"github.com/cloo-solutions/regaudit/internal/intake"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
	"github.com/cloo-solutions/regaudit/internal/pagination"
)

// stubCases answers every case operation with one fixed case and records
// the id each call was routed with
type stubCases struct {
	lastID string
}

func (s *stubCases) found(id string) (*domain.AuditCase, error) {
	s.lastID = id
	if id == "missing" {
		return nil, domain.ErrCaseNotFound
	}
	return domain.NewAuditCase(id, "repo-1", []string{"gdpr"}, "", time.Now()), nil
}

func (s *stubCases) StartCase(_ context.Context, in orchestrator.StartInput) (*domain.AuditCase, error) {
	return s.found("new")
}
func (s *stubCases) GetCase(_ context.Context, id string) (*domain.AuditCase, error) {
	return s.found(id)
}
func (s *stubCases) ResumeCase(_ context.Context, id string) (*domain.AuditCase, error) {
	return s.found(id)
}
func (s *stubCases) CancelCase(_ context.Context, id string) (*domain.AuditCase, error) {
	return s.found(id)
}
func (s *stubCases) SubmitApproval(_ context.Context, in orchestrator.ApprovalInput) (*domain.AuditCase, error) {
	return s.found(in.CaseID)
}
func (s *stubCases) RetryTickets(_ context.Context, id string) (*domain.AuditCase, error) {
	return s.found(id)
}
func (s *stubCases) ListEvents(_ context.Context, id, _ string, _ int) (pagination.PageResult[domain.CaseEvent], error) {
	_, err := s.found(id)
	return pagination.PageResult[domain.CaseEvent]{}, err
}
func (s *stubCases) ListVerdicts(_ context.Context, id string) ([]domain.Verdict, error) {
	_, err := s.found(id)
	return nil, err
}
func (s *stubCases) ReviewVerdict(_ context.Context, in orchestrator.VerdictReviewInput) (*domain.Verdict, error) {
	s.lastID = in.VerdictID
	return &domain.Verdict{ID: in.VerdictID, ReviewStatus: in.Status, Version: 2}, nil
}

type stubReceiver struct{}

func (stubReceiver) Receive(_ context.Context, _ string, _ intake.Payload) (*intake.Result, error) {
	return &intake.Result{Outcome: intake.OutcomeAccepted}, nil
}

type stubSources struct{}

func (stubSources) IngestSource(_ context.Context, in ingest.SourceInput) (*ingest.IngestResult, error) {
	return &ingest.IngestResult{Chunks: 1, Created: 1}, nil
}
func (stubSources) EnsureLoaded(_ context.Context, id string) (*domain.Regulation, error) {
	return &domain.Regulation{ID: id}, nil
}
func (stubSources) List(_ context.Context) ([]*domain.Regulation, error) {
	return []*domain.Regulation{{ID: "gdpr"}}, nil
}

type stubRepos struct{}

func (stubRepos) Save(context.Context, *domain.Repository) error { return nil }
func (stubRepos) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	return &domain.Repository{ID: id, FullName: "acme/payments", DefaultBranch: "main"}, nil
}
func (stubRepos) List(context.Context) ([]*domain.Repository, error) { return nil, nil }

func newTestRouter(cases *stubCases) http.Handler {
	return NewRouter(RouterConfig{
		CaseHandler:   handlers.NewCaseHandler(cases, nil),
		EventHandler:  handlers.NewEventHandler(stubReceiver{}, ""),
		SourceHandler: handlers.NewSourceHandler(stubSources{}, stubSources{}, stubRepos{}),
		MaxBodyBytes:  1024,
	})
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router := newTestRouter(&stubCases{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, map[string]any{"status": "ok"}, resp["data"])
}

func TestRouter_RouteTable(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		want   int
		wantID string
	}{
		{http.MethodPost, "/cases", `{"repo_id":"repo-1","regulation_ids":["gdpr"]}`, http.StatusAccepted, "new"},
		{http.MethodGet, "/cases/c1", "", http.StatusOK, "c1"},
		{http.MethodGet, "/cases/missing", "", http.StatusNotFound, "missing"},
		{http.MethodPost, "/cases/c2/resume", "", http.StatusAccepted, "c2"},
		{http.MethodPost, "/cases/c3/cancel", "", http.StatusAccepted, "c3"},
		{http.MethodPost, "/cases/c4/approval", `{"decision":"declined"}`, http.StatusOK, "c4"},
		{http.MethodPost, "/cases/c5/tickets/retry", "", http.StatusOK, "c5"},
		{http.MethodGet, "/cases/c6/events?limit=5", "", http.StatusOK, "c6"},
		{http.MethodGet, "/cases/c7/verdicts", "", http.StatusOK, "c7"},
		{http.MethodGet, "/cases/c8/report", "", http.StatusNotFound, ""},
		{http.MethodPatch, "/verdicts/v1", `{"status":"approved"}`, http.StatusOK, "v1"},
		{http.MethodPost, "/sources", `{"corpus":"code","corpus_id":"repo-1","source_id":"a.go","text":"x"}`, http.StatusCreated, ""},
		{http.MethodGet, "/regulations", "", http.StatusOK, ""},
		{http.MethodPost, "/regulations/gdpr/ensure", "", http.StatusOK, ""},
		{http.MethodPost, "/repositories", `{"id":"repo-1","full_name":"acme/payments"}`, http.StatusCreated, ""},
		{http.MethodPost, "/webhooks/github", `{}`, http.StatusServiceUnavailable, ""},
		{http.MethodDelete, "/cases/c1", "", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			cases := &stubCases{}
			router := newTestRouter(cases)

			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, cases.lastID)
			}
		})
	}
}

func TestRouter_ManualEventRequiresIdempotencyKey(t *testing.T) {
	router := newTestRouter(&stubCases{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"repo_id":"repo-1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"repo_id":"repo-1"}`))
	req.Header.Set(handlers.IdempotencyKeyHeader, "k1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRouter_BodyLimit(t *testing.T) {
	router := newTestRouter(&stubCases{})

	body := bytes.Repeat([]byte("a"), 2048)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sources", bytes.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
