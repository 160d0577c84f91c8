// Package intake deduplicates inbound trigger events and turns accepted
// ones into queued audit cases.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// Outcome is the result class of Receive
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Skip reasons recorded on events that start no case
const (
	SkipUnsupportedEvent  = "unsupported event type"
	SkipUnsupportedAction = "unsupported action"
	SkipNonDefaultBranch  = "push to non-default branch"
	SkipUnknownRepository = "repository not registered"
	SkipNoRegulations     = "no regulations configured"
)

// EventStore persists inbound events
type EventStore interface {
	// RecordEvent inserts e unprocessed. An existing event with the same id is
	// left unchanged and returned instead.
	RecordEvent(ctx context.Context, e *domain.InboundEvent) (*domain.InboundEvent, error)
	// MarkProcessed sets the processed flag with the case, job and skip reason.
	MarkProcessed(ctx context.Context, eventID, caseID string, jobID int64, skipReason string, now time.Time) error
}

// RepositoryLookup resolves the repository a trigger refers to
type RepositoryLookup interface {
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	GetRepositoryByFullName(ctx context.Context, fullName string) (*domain.Repository, error)
}

// CaseStarter creates the case of a trigger event, once per event id
type CaseStarter interface {
	StartCaseForEvent(ctx context.Context, eventID string, in orchestrator.StartInput) (*domain.AuditCase, error)
}

// Enqueuer queues the orchestration job of a case
type Enqueuer interface {
	EnqueueCase(ctx context.Context, caseID, eventID string) (int64, error)
}

// Payload is one inbound delivery
type Payload struct {
	Source domain.EventSource
	Type   string
	Body   json.RawMessage
}

// Result reports what Receive did with an event
type Result struct {
	Outcome    Outcome `json:"outcome"`
	CaseID     string  `json:"case_id,omitempty"`
	JobID      int64   `json:"job_id,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
}

// ManualTrigger is the body of a manual event
type ManualTrigger struct {
	RepoID        string   `json:"repo_id" validate:"required"`
	RegulationIDs []string `json:"regulation_ids,omitempty" validate:"omitempty,dive,required"`
}

// Service implements Receive
type Service struct {
	events EventStore
	repos  RepositoryLookup
	cases  CaseStarter
	queue  Enqueuer
	now    func() time.Time
}

// NewService creates a new intake Service
func NewService(events EventStore, repos RepositoryLookup, cases CaseStarter, queue Enqueuer) *Service {
	return &Service{
		events: events,
		repos:  repos,
		cases:  cases,
		queue:  queue,
		now:    time.Now,
	}
}

// Receive records the event and, unless it was already processed, starts
// and enqueues its case. The event is marked processed only after the job
// insert returned, so a failed delivery is safe to redeliver.
func (s *Service) Receive(ctx context.Context, eventID string, p Payload) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "Intake.Receive", telemetry.SpanAttributes{Operation: "receive_event"})
	defer span.End()

	ev := &domain.InboundEvent{
		ID:         eventID,
		Source:     p.Source,
		Type:       p.Type,
		Payload:    p.Body,
		ReceivedAt: s.now().UTC(),
	}
	if err := domain.ValidateInboundEvent(ev); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid inbound event", err)
	}

	stored, err := s.events.RecordEvent(ctx, ev)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("record event: %w", err)
	}
	logger := log.With().Str("event_id", eventID).Str("source", string(p.Source)).Str("type", p.Type).Logger()
	if stored.Processed {
		logger.Info().Str("case_id", stored.CaseID).Msg("intake: duplicate event")
		return &Result{
			Outcome:    OutcomeDuplicate,
			CaseID:     stored.CaseID,
			JobID:      stored.JobID,
			Skipped:    stored.SkipReason != "",
			SkipReason: stored.SkipReason,
		}, nil
	}

	in, skip, err := s.resolve(ctx, p)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if skip != "" {
		if err := s.events.MarkProcessed(ctx, eventID, "", 0, skip, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("mark event processed: %w", err)
		}
		logger.Info().Str("skip_reason", skip).Msg("intake: event skipped")
		return &Result{Outcome: OutcomeAccepted, Skipped: true, SkipReason: skip}, nil
	}

	c, err := s.cases.StartCaseForEvent(ctx, eventID, *in)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("start case: %w", err)
	}
	jobID, err := s.queue.EnqueueCase(ctx, c.ID, eventID)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("enqueue case %s: %w", c.ID, err)
	}
	if err := s.events.MarkProcessed(ctx, eventID, c.ID, jobID, "", s.now().UTC()); err != nil {
		return nil, fmt.Errorf("mark event processed: %w", err)
	}

	logger.Info().Str("case_id", c.ID).Int64("job_id", jobID).Msg("intake: event accepted")
	return &Result{Outcome: OutcomeAccepted, CaseID: c.ID, JobID: jobID}, nil
}

// resolve turns a payload into case input or a skip reason. Malformed
// bodies are permanent input errors and leave the event unprocessed.
func (s *Service) resolve(ctx context.Context, p Payload) (*orchestrator.StartInput, string, error) {
	switch p.Source {
	case domain.EventSourceManual:
		return s.resolveManual(ctx, p.Body)
	case domain.EventSourceGitHub:
		return s.resolveGitHub(ctx, p.Type, p.Body)
	}
	return nil, "", fmt.Errorf("%w: event source %q", domain.ErrMissingRequiredField, p.Source)
}

func (s *Service) resolveManual(ctx context.Context, body json.RawMessage) (*orchestrator.StartInput, string, error) {
	var t ManualTrigger
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, "", domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "malformed manual trigger", err)
	}
	if strings.TrimSpace(t.RepoID) == "" {
		return nil, "", fmt.Errorf("%w: repo_id", domain.ErrMissingRequiredField)
	}
	if len(t.RegulationIDs) > 0 {
		return &orchestrator.StartInput{RepoID: t.RepoID, RegulationIDs: t.RegulationIDs}, "", nil
	}

	repo, err := s.repos.GetRepository(ctx, t.RepoID)
	if err != nil {
		return nil, "", err
	}
	if len(repo.DefaultRegulationIDs) == 0 {
		return nil, SkipNoRegulations, nil
	}
	return &orchestrator.StartInput{RepoID: repo.ID, RegulationIDs: repo.DefaultRegulationIDs}, "", nil
}

func (s *Service) resolveGitHub(ctx context.Context, eventType string, body json.RawMessage) (*orchestrator.StartInput, string, error) {
	hook, err := ParseGitHubEvent(eventType, body)
	if err != nil {
		return nil, "", err
	}
	if hook == nil {
		return nil, SkipUnsupportedEvent, nil
	}
	if reason := hook.SkipReason(); reason != "" {
		return nil, reason, nil
	}

	repo, err := s.repos.GetRepositoryByFullName(ctx, hook.Repository.FullName)
	if errors.Is(err, domain.ErrRepositoryNotFound) {
		return nil, SkipUnknownRepository, nil
	}
	if err != nil {
		return nil, "", err
	}
	if hook.Type == GitHubEventPush && hook.Branch() != repo.DefaultBranch {
		return nil, SkipNonDefaultBranch, nil
	}
	if len(repo.DefaultRegulationIDs) == 0 {
		return nil, SkipNoRegulations, nil
	}
	return &orchestrator.StartInput{RepoID: repo.ID, RegulationIDs: repo.DefaultRegulationIDs}, "", nil
}
