package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/sink"
)

// ApprovalInput is a reviewer decision on a case waiting for approval.
// Items nil approves every drafted item; otherwise only the listed ids are
// approved, with their edits applied.
type ApprovalInput struct {
	CaseID          string            `json:"-"`
	Decision        domain.Decision   `json:"decision" validate:"required,oneof=approved declined"`
	Items           []domain.ItemEdit `json:"items,omitempty" validate:"omitempty,dive"`
	ExpectedVersion int64             `json:"expected_version"`
}

// SubmitApproval records the decision and completes the case. Tickets are
// created only after the approval is stored; a ticket failure is recorded
// on its item and does not undo the approval.
func (s *Service) SubmitApproval(ctx context.Context, in ApprovalInput) (*domain.AuditCase, error) {
	if !domain.IsValidDecision(in.Decision) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, in.Decision)
	}
	c, err := s.store.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CaseStatusWaitingApproval {
		if c.UserDecision != "" {
			return nil, domain.ErrCaseAlreadyDecided
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotAwaiting, c.Status)
	}

	expected := in.ExpectedVersion
	if expected == 0 {
		expected = c.Version
	}
	if expected != c.Version {
		return nil, fmt.Errorf("%w: case %s is at version %d", domain.ErrVersionConflict, c.ID, c.Version)
	}

	items, err := applyDecision(c.ApprovalItems, in)
	if err != nil {
		return nil, err
	}
	approved := 0
	for _, it := range items {
		if it.Approved {
			approved++
		}
	}

	ev := s.event(c.ID, domain.CaseEventApprovalRecorded, "", 0, string(in.Decision))
	ev.Data = map[string]any{"decision": string(in.Decision), "approved": approved, "total": len(items)}
	c, err = s.store.RecordApproval(ctx, ApprovalRecord{
		CaseID:          c.ID,
		ExpectedVersion: expected,
		Decision:        in.Decision,
		Items:           items,
		Events:          []domain.CaseEvent{ev},
		Now:             s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("case_id", c.ID).Str("decision", string(in.Decision)).Int("approved", approved).
		Msg("orchestrator: approval recorded")

	if in.Decision == domain.DecisionApproved {
		c = s.createTickets(ctx, c)
	}
	s.archive(ctx, c)
	return c, nil
}

// RetryTickets calls the sink again for approved items without a ticket
func (s *Service) RetryTickets(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.UserDecision != domain.DecisionApproved {
		return nil, domain.ErrNothingApproved
	}
	return s.createTickets(ctx, c), nil
}

func applyDecision(drafted []domain.ApprovalItem, in ApprovalInput) ([]domain.ApprovalItem, error) {
	items := make([]domain.ApprovalItem, len(drafted))
	copy(items, drafted)
	if in.Decision == domain.DecisionDeclined {
		for i := range items {
			items[i].Approved = false
		}
		return items, nil
	}

	if in.Items == nil {
		for i := range items {
			items[i].Approved = true
		}
		return items, nil
	}

	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.ID] = i
		items[i].Approved = false
	}
	for _, edit := range in.Items {
		i, ok := index[edit.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownApprovalItem, edit.ID)
		}
		items[i] = edit.Apply(items[i])
		items[i].Approved = true
		if err := domain.ValidateApprovalItem(&items[i]); err != nil {
			return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid item edit", err)
		}
	}
	return items, nil
}

// createTickets issues one sink call per approved item lacking a ticket id.
// Each item is claimed first, so concurrent runs on the same case never
// call the sink twice for one item.
func (s *Service) createTickets(ctx context.Context, c *domain.AuditCase) *domain.AuditCase {
	owner := s.uuidGen.NewString()
	for _, pending := range c.PendingTickets() {
		item, err := s.store.ClaimTicket(ctx, c.ID, pending.ID, owner, s.now().Add(s.cfg.LeaseTTL))
		if err != nil {
			if errors.Is(err, domain.ErrTicketInFlight) || errors.Is(err, domain.ErrTicketAlreadyCreated) {
				log.Debug().Err(err).Str("case_id", c.ID).Str("item_id", pending.ID).Msg("orchestrator: ticket handled elsewhere")
			} else {
				log.Warn().Err(err).Str("case_id", c.ID).Str("item_id", pending.ID).Msg("orchestrator: ticket claim failed")
			}
			continue
		}

		id, err := s.createTicket(ctx, c.ID, *item)
		item.TicketAttempts++

		var ev domain.CaseEvent
		if err != nil {
			item.TicketError = err.Error()
			ev = s.event(c.ID, domain.CaseEventTicketFailed, "", item.TicketAttempts, err.Error())
			log.Warn().Err(err).Str("case_id", c.ID).Str("item_id", item.ID).Msg("orchestrator: ticket creation failed")
		} else {
			item.TicketID = id
			item.TicketError = ""
			ev = s.event(c.ID, domain.CaseEventTicketCreated, "", item.TicketAttempts, id)
		}
		ev.Data = map[string]any{"item_id": item.ID, "verdict_id": item.VerdictID}

		updated, rerr := s.store.RecordTicket(context.WithoutCancel(ctx), c.ID, owner, *item, ev)
		if rerr != nil {
			log.Error().Err(rerr).Str("case_id", c.ID).Str("item_id", item.ID).Str("ticket_id", id).
				Msg("orchestrator: ticket outcome not recorded")
			continue
		}
		c = updated
	}
	if latest, err := s.store.GetCase(context.WithoutCancel(ctx), c.ID); err == nil {
		c = latest
	}
	return c
}

func (s *Service) createTicket(ctx context.Context, caseID string, item domain.ApprovalItem) (string, error) {
	req := sink.NewTicketRequest(caseID, item)
	var id string
	op := func() error {
		var err error
		id, err = s.sink.CreateTicket(ctx, req)
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(s.cfg.TicketAttempts), ctx))
	return id, err
}
