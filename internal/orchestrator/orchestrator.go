// Package orchestrator drives audit cases through the pipeline. It owns the
// case record: stage outputs, progress, leases, approval and tickets.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/pagination"
	"github.com/cloo-solutions/regaudit/internal/pipeline"
	"github.com/cloo-solutions/regaudit/internal/sink"
)

// TicketSink creates a ticket for an approved item and returns its id
type TicketSink interface {
	CreateTicket(ctx context.Context, req sink.TicketRequest) (string, error)
}

// Dispatcher hands a case to the worker pool
type Dispatcher interface {
	DispatchCase(ctx context.Context, caseID string) error
}

// Archiver stores the report of a completed case
type Archiver interface {
	ArchiveCase(ctx context.Context, c *domain.AuditCase, verdicts []domain.Verdict) error
}

// Config holds the retry and lease settings
type Config struct {
	StageTimeout     time.Duration
	StageMaxAttempts int
	LeaseTTL         time.Duration
	RetryInterval    time.Duration
	TicketAttempts   int
}

// DefaultConfig returns the default orchestration settings
func DefaultConfig() Config {
	return Config{
		StageTimeout:     5 * time.Minute,
		StageMaxAttempts: 3,
		LeaseTTL:         20 * time.Minute,
		RetryInterval:    2 * time.Second,
		TicketAttempts:   3,
	}
}

// Option configures a Service
type Option func(*Service)

// WithDispatcher runs cases on a worker pool instead of inline
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithArchiver archives a report of every completed case
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithUUIDGen replaces the id generator
func WithUUIDGen(g domain.UUIDGenerator) Option {
	return func(s *Service) { s.uuidGen = g }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service sequences pipeline stages per case
type Service struct {
	store      Store
	pipeline   *pipeline.Pipeline
	sink       TicketSink
	dispatcher Dispatcher
	archiver   Archiver
	cfg        Config
	uuidGen    domain.UUIDGenerator
	now        func() time.Time
}

// NewService creates a Service. Without a dispatcher StartCase and
// ResumeCase run the case before returning.
func NewService(store Store, p *pipeline.Pipeline, ticketSink TicketSink, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.StageMaxAttempts <= 0 {
		cfg.StageMaxAttempts = def.StageMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.TicketAttempts <= 0 {
		cfg.TicketAttempts = def.TicketAttempts
	}
	// the lease is renewed at each commit and must outlive one stage
	if minTTL := cfg.StageTimeout*time.Duration(cfg.StageMaxAttempts) + time.Minute; cfg.LeaseTTL < minTTL {
		cfg.LeaseTTL = minTTL
	}

	s := &Service{
		store:    store,
		pipeline: p,
		sink:     ticketSink,
		cfg:      cfg,
		uuidGen:  &domain.DefaultUUIDGenerator{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartInput names the repository and regulations of a new case
type StartInput struct {
	RepoID        string   `json:"repo_id" validate:"required"`
	RegulationIDs []string `json:"regulation_ids" validate:"required,min=1,dive,required"`
}

// StartCase creates a case and dispatches it
func (s *Service) StartCase(ctx context.Context, in StartInput) (*domain.AuditCase, error) {
	c, err := s.createCase(ctx, in, "")
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, c)
}

// StartCaseForEvent creates the case of a trigger event without dispatching
// it. A second call for the same event returns the first case.
func (s *Service) StartCaseForEvent(ctx context.Context, eventID string, in StartInput) (*domain.AuditCase, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id", domain.ErrMissingRequiredField)
	}
	return s.createCase(ctx, in, eventID)
}

func (s *Service) createCase(ctx context.Context, in StartInput, eventID string) (*domain.AuditCase, error) {
	if in.RepoID == "" {
		return nil, fmt.Errorf("%w: repo_id", domain.ErrMissingRequiredField)
	}
	regs := dedupe(in.RegulationIDs)
	if len(regs) == 0 {
		return nil, fmt.Errorf("%w: regulation_ids", domain.ErrMissingRequiredField)
	}

	now := s.now().UTC()
	c := domain.NewAuditCase(s.uuidGen.NewString(), in.RepoID, regs, eventID, now)
	if err := domain.ValidateAuditCase(c); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid case", err)
	}

	created, err := s.store.CreateCase(ctx, c, s.event(c.ID, domain.CaseEventStarted, "", 0, "case created"))
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	log.Info().
		Str("case_id", created.ID).
		Str("repo_id", created.RepoID).
		Strs("regulation_ids", created.RegulationIDs).
		Str("trigger_event_id", eventID).
		Msg("orchestrator: case created")
	return created, nil
}

// ResumeCase re-enters a failed or stalled case at its current step
func (s *Service) ResumeCase(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if c.Status == domain.CaseStatusRunning && c.LeaseHeld(now) {
		return nil, domain.ErrCaseBusy
	}
	if !c.Resumable(now) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotResumable, c.Status)
	}

	c, err = s.store.ResetForResume(ctx, caseID, now,
		s.event(caseID, domain.CaseEventStarted, c.CurrentStep, 0, "case resumed"))
	if err != nil {
		return nil, err
	}
	log.Info().Str("case_id", caseID).Str("stage", string(c.CurrentStep)).Msg("orchestrator: case resumed")
	return s.dispatch(ctx, c)
}

// CancelCase asks a running or queued case to stop at its next stage boundary
func (s *Service) CancelCase(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CaseStatusPending && c.Status != domain.CaseStatusRunning {
		return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotCancellable, c.Status)
	}
	return s.store.RequestCancel(ctx, caseID)
}

// GetCase returns the case record
func (s *Service) GetCase(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	return s.store.GetCase(ctx, caseID)
}

// ListVerdicts returns the verdicts of a case
func (s *Service) ListVerdicts(ctx context.Context, caseID string) ([]domain.Verdict, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.ListVerdicts(ctx, caseID)
}

// ListEvents returns one page of the case event log
func (s *Service) ListEvents(ctx context.Context, caseID, cursor string, limit int) (pagination.PageResult[domain.CaseEvent], error) {
	var page pagination.PageResult[domain.CaseEvent]
	cur, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return page, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return page, err
	}

	limit = pagination.NormalizeLimit(limit)
	events, err := s.store.ListEvents(ctx, caseID, cur.AfterSeq, limit+1)
	if err != nil {
		return page, err
	}
	return pagination.NewPage(events, limit,
		func(e domain.CaseEvent) int64 { return e.Seq },
		func(e domain.CaseEvent) time.Time { return e.CreatedAt },
	), nil
}

// VerdictReviewInput is a reviewer update of one verdict
type VerdictReviewInput struct {
	VerdictID       string              `json:"-"`
	Status          domain.ReviewStatus `json:"status" validate:"required,oneof=pending approved rejected ignored"`
	Note            string              `json:"note"`
	ExpectedVersion int64               `json:"expected_version"`
}

// ReviewVerdict records a reviewer disposition. A zero ExpectedVersion
// means the version just read.
func (s *Service) ReviewVerdict(ctx context.Context, in VerdictReviewInput) (*domain.Verdict, error) {
	if !domain.IsValidReviewStatus(in.Status) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidReviewStatus, in.Status)
	}
	v, err := s.store.GetVerdict(ctx, in.VerdictID)
	if err != nil {
		return nil, err
	}
	expected := in.ExpectedVersion
	if expected == 0 {
		expected = v.Version
	}
	if expected != v.Version {
		return nil, fmt.Errorf("%w: verdict %s is at version %d", domain.ErrVersionConflict, v.ID, v.Version)
	}
	return s.store.ReviewVerdict(ctx, VerdictReview{
		VerdictID:       in.VerdictID,
		Status:          in.Status,
		Note:            in.Note,
		ExpectedVersion: expected,
		Now:             s.now().UTC(),
	})
}

func (s *Service) dispatch(ctx context.Context, c *domain.AuditCase) (*domain.AuditCase, error) {
	if s.dispatcher == nil {
		done, err := s.RunCase(ctx, c.ID)
		if done == nil {
			done = c
		}
		return done, err
	}
	if err := s.dispatcher.DispatchCase(ctx, c.ID); err != nil {
		return c, fmt.Errorf("dispatch case %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *Service) event(caseID string, typ domain.CaseEventType, stage domain.Stage, attempt int, msg string) domain.CaseEvent {
	e := domain.NewCaseEvent(caseID, typ, stage, attempt, msg)
	e.CreatedAt = s.now().UTC()
	return e
}

func (s *Service) archive(ctx context.Context, c *domain.AuditCase) {
	if s.archiver == nil || c.Status != domain.CaseStatusCompleted {
		return
	}
	ctx = context.WithoutCancel(ctx)
	verdicts, err := s.store.ListVerdicts(ctx, c.ID)
	if err == nil {
		err = s.archiver.ArchiveCase(ctx, c, verdicts)
	}
	if err != nil {
		log.Warn().Err(err).Str("case_id", c.ID).Msg("orchestrator: report archive failed")
	}
}

func (s *Service) newBackOff(attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(attempts-1, 0)))
}

// retryable reports whether a stage error may succeed on another attempt
func retryable(err error) bool {
	switch {
	case domain.IsPermanentInput(err), domain.IsStateConflict(err):
		return false
	case errors.Is(err, domain.ErrStageOutOfOrder), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
