package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/regaudit/internal/api"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/ingest"
)

type SourceIngester interface {
	IngestSource(ctx context.Context, in ingest.SourceInput) (*ingest.IngestResult, error)
}

type RegulationLoader interface {
	EnsureLoaded(ctx context.Context, regulationID string) (*domain.Regulation, error)
	List(ctx context.Context) ([]*domain.Regulation, error)
}

type RepositoryStore interface {
	Save(ctx context.Context, repo *domain.Repository) error
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	List(ctx context.Context) ([]*domain.Repository, error)
}

type SourceHandler struct {
	ingester    SourceIngester
	regulations RegulationLoader
	repos       RepositoryStore
	uuidGen     domain.UUIDGenerator
	now         func() time.Time
}

func NewSourceHandler(ingester SourceIngester, regulations RegulationLoader, repos RepositoryStore) *SourceHandler {
	return &SourceHandler{
		ingester:    ingester,
		regulations: regulations,
		repos:       repos,
		uuidGen:     &domain.DefaultUUIDGenerator{},
		now:         time.Now,
	}
}

type IngestSourceRequest struct {
	Corpus      domain.Corpus `json:"corpus" validate:"required,oneof=code regulation"`
	CorpusID    string        `json:"corpus_id" validate:"required"`
	SourceID    string        `json:"source_id" validate:"required"`
	Text        string        `json:"text"`
	ContentHash string        `json:"content_hash"`
}

func (h *SourceHandler) IngestSource(w http.ResponseWriter, r *http.Request) {
	var req IngestSourceRequest
	if err := api.Decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	res, err := h.ingester.IngestSource(r.Context(), ingest.SourceInput{
		Corpus:      req.Corpus,
		CorpusID:    req.CorpusID,
		SourceID:    req.SourceID,
		Text:        req.Text,
		ContentHash: req.ContentHash,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Unchanged {
		status = http.StatusOK
	}
	api.Success(w, status, res)
}

type RegulationResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	IssuingBody     string `json:"issuing_body"`
	ActiveVersionID string `json:"active_version_id,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

func RegulationToResponse(reg *domain.Regulation) RegulationResponse {
	return RegulationResponse{
		ID:              reg.ID,
		Title:           reg.Title,
		IssuingBody:     reg.IssuingBody,
		ActiveVersionID: reg.ActiveVersionID,
		UpdatedAt:       reg.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *SourceHandler) EnsureRegulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}
	reg, err := h.regulations.EnsureLoaded(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, RegulationToResponse(reg))
}

func (h *SourceHandler) ListRegulations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.regulations.List(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	out := make([]RegulationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, RegulationToResponse(reg))
	}
	api.Success(w, http.StatusOK, out)
}

type CreateRepositoryRequest struct {
	ID            string   `json:"id"`
	FullName      string   `json:"full_name" validate:"required"`
	DefaultBranch string   `json:"default_branch"`
	RegulationIDs []string `json:"regulation_ids" validate:"omitempty,dive,required"`
}

type RepositoryResponse struct {
	ID            string   `json:"id"`
	FullName      string   `json:"full_name"`
	DefaultBranch string   `json:"default_branch"`
	RegulationIDs []string `json:"regulation_ids"`
	CreatedAt     string   `json:"created_at"`
}

func RepositoryToResponse(repo *domain.Repository) RepositoryResponse {
	ids := repo.DefaultRegulationIDs
	if ids == nil {
		ids = []string{}
	}
	return RepositoryResponse{
		ID:            repo.ID,
		FullName:      repo.FullName,
		DefaultBranch: repo.DefaultBranch,
		RegulationIDs: ids,
		CreatedAt:     repo.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateRepository registers a repository for scans. Posting an existing id
// updates its branch and default regulations.
func (h *SourceHandler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var req CreateRepositoryRequest
	if err := api.Decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = h.uuidGen.NewString()
	}

	repo := domain.NewRepository(req.ID, req.FullName, req.DefaultBranch, req.RegulationIDs, h.now().UTC())
	if err := domain.ValidateRepository(repo); err != nil {
		api.HandleError(w, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid repository", err))
		return
	}
	if err := h.repos.Save(r.Context(), repo); err != nil {
		api.HandleError(w, err)
		return
	}

	stored, err := h.repos.GetRepository(r.Context(), repo.ID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusCreated, RepositoryToResponse(stored))
}

func (h *SourceHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.List(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	out := make([]RepositoryResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, RepositoryToResponse(repo))
	}
	api.Success(w, http.StatusOK, out)
}
