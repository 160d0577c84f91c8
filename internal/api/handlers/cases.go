package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/regaudit/internal/api"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
	"github.com/cloo-solutions/regaudit/internal/pagination"
)

type CaseService interface {
	StartCase(ctx context.Context, in orchestrator.StartInput) (*domain.AuditCase, error)
	GetCase(ctx context.Context, caseID string) (*domain.AuditCase, error)
	ResumeCase(ctx context.Context, caseID string) (*domain.AuditCase, error)
	CancelCase(ctx context.Context, caseID string) (*domain.AuditCase, error)
	SubmitApproval(ctx context.Context, in orchestrator.ApprovalInput) (*domain.AuditCase, error)
	RetryTickets(ctx context.Context, caseID string) (*domain.AuditCase, error)
	ListEvents(ctx context.Context, caseID, cursor string, limit int) (pagination.PageResult[domain.CaseEvent], error)
	ListVerdicts(ctx context.Context, caseID string) ([]domain.Verdict, error)
	ReviewVerdict(ctx context.Context, in orchestrator.VerdictReviewInput) (*domain.Verdict, error)
}

// ReportLinker issues download links for archived case reports
type ReportLinker interface {
	DownloadURL(ctx context.Context, c *domain.AuditCase) (string, error)
}

type CaseHandler struct {
	svc     CaseService
	reports ReportLinker
}

// NewCaseHandler creates a CaseHandler. reports may be nil when no report
// archive is configured.
func NewCaseHandler(svc CaseService, reports ReportLinker) *CaseHandler {
	return &CaseHandler{svc: svc, reports: reports}
}

type CaseResponse struct {
	ID               string                              `json:"id"`
	RepoID           string                              `json:"repo_id"`
	RegulationIDs    []string                            `json:"regulation_ids"`
	Status           domain.CaseStatus                   `json:"status"`
	StepsCompleted   []domain.Stage                      `json:"steps_completed"`
	CurrentStep      domain.Stage                        `json:"current_step"`
	Progress         int                                 `json:"progress"`
	Outputs          map[domain.Stage]domain.StageOutput `json:"outputs,omitempty"`
	RequiresApproval bool                                `json:"requires_approval"`
	ApprovalItems    []domain.ApprovalItem               `json:"approval_items,omitempty"`
	UserDecision     domain.Decision                     `json:"user_decision,omitempty"`
	ErrorMessage     string                              `json:"error_message,omitempty"`
	FailedStage      domain.Stage                        `json:"failed_stage,omitempty"`
	CancelRequested  bool                                `json:"cancel_requested,omitempty"`
	TriggerEventID   string                              `json:"trigger_event_id,omitempty"`
	Version          int64                               `json:"version"`
	CreatedAt        string                              `json:"created_at"`
	UpdatedAt        string                              `json:"updated_at"`
	CompletedAt      string                              `json:"completed_at,omitempty"`
}

// CaseToResponse renders a case the way the API and the CLI print it
func CaseToResponse(c *domain.AuditCase) *CaseResponse {
	resp := &CaseResponse{
		ID:               c.ID,
		RepoID:           c.RepoID,
		RegulationIDs:    c.RegulationIDs,
		Status:           c.Status,
		StepsCompleted:   c.StepsCompleted,
		CurrentStep:      c.CurrentStep,
		Progress:         c.Progress(),
		Outputs:          c.Outputs,
		RequiresApproval: c.RequiresApproval,
		ApprovalItems:    c.ApprovalItems,
		UserDecision:     c.UserDecision,
		ErrorMessage:     c.ErrorMessage,
		FailedStage:      c.FailedStage,
		CancelRequested:  c.CancelRequested,
		TriggerEventID:   c.TriggerEventID,
		Version:          c.Version,
		CreatedAt:        c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.StepsCompleted == nil {
		resp.StepsCompleted = []domain.Stage{}
	}
	if c.CompletedAt != nil {
		resp.CompletedAt = c.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func caseID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}

// caseUsable reports whether a start or resume call produced a case to return:
// no error, or an inline run whose failure is recorded on the case.
func caseUsable(c *domain.AuditCase, err error) bool {
	return err == nil || (c != nil && c.Status == domain.CaseStatusFailed)
}

// Start creates a case. Without a worker pool the response carries the
// finished run; otherwise the case is returned queued with 202.
func (h *CaseHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartInput
	if err := api.Decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	c, err := h.svc.StartCase(r.Context(), req)
	if !caseUsable(c, err) {
		api.HandleError(w, err)
		return
	}

	status := http.StatusCreated
	if c.Status == domain.CaseStatusPending {
		status = http.StatusAccepted
	}
	api.Success(w, status, CaseToResponse(c))
}

func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetCase(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, CaseToResponse(c))
}

func (h *CaseHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.ResumeCase(r.Context(), id)
	if !caseUsable(c, err) {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusAccepted, CaseToResponse(c))
}

func (h *CaseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.CancelCase(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusAccepted, CaseToResponse(c))
}

func (h *CaseHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	var req orchestrator.ApprovalInput
	if err := api.Decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	req.CaseID = id

	c, err := h.svc.SubmitApproval(r.Context(), req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, CaseToResponse(c))
}

func (h *CaseHandler) RetryTickets(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.RetryTickets(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, CaseToResponse(c))
}

func (h *CaseHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	page, err := h.svc.ListEvents(r.Context(), id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []domain.CaseEvent{}
	}
	api.Success(w, http.StatusOK, page)
}

func (h *CaseHandler) ListVerdicts(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	verdicts, err := h.svc.ListVerdicts(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	if verdicts == nil {
		verdicts = []domain.Verdict{}
	}
	api.Success(w, http.StatusOK, verdicts)
}

func (h *CaseHandler) ReviewVerdict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}
	var req orchestrator.VerdictReviewInput
	if err := api.Decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	req.VerdictID = id

	v, err := h.svc.ReviewVerdict(r.Context(), req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, v)
}

// Report returns a time-limited link to the archived report of a completed case
func (h *CaseHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	if h.reports == nil {
		api.HandleError(w, domain.ErrReportNotArchived)
		return
	}
	c, err := h.svc.GetCase(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	url, err := h.reports.DownloadURL(r.Context(), c)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"case_id": c.ID, "url": url})
}
