package domain

import (
	"fmt"
	"time"
)

// Priority of a drafted remediation task
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// PriorityForSeverity maps a verdict severity onto a ticket priority
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityCritical, SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	}
	return PriorityLow
}

// ApprovalItem is a drafted remediation task awaiting human sign-off
type ApprovalItem struct {
	ID             string   `json:"id"`
	VerdictID      string   `json:"verdict_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	File           string   `json:"file"`
	Priority       Priority `json:"priority"`
	Approved       bool     `json:"approved"`
	TicketID       string   `json:"ticket_id,omitempty"`
	TicketError    string   `json:"ticket_error,omitempty"`
	TicketAttempts int      `json:"ticket_attempts,omitempty"`

	// set while one ticket run owns the sink call for this item
	TicketClaimOwner string     `json:"ticket_claim_owner,omitempty"`
	TicketClaimUntil *time.Time `json:"ticket_claim_until,omitempty"`
}

// ClaimTicket reserves the sink call of the item for owner until the given
// time. It fails when the item already has a ticket or another owner's
// claim is still live at now.
func (it *ApprovalItem) ClaimTicket(owner string, now, until time.Time) error {
	if it.TicketID != "" {
		return fmt.Errorf("%w: %s", ErrTicketAlreadyCreated, it.ID)
	}
	if !it.Approved {
		return fmt.Errorf("%w: %s", ErrNothingApproved, it.ID)
	}
	if it.TicketClaimOwner != "" && it.TicketClaimOwner != owner &&
		it.TicketClaimUntil != nil && it.TicketClaimUntil.After(now) {
		return fmt.Errorf("%w: %s held by %s", ErrTicketInFlight, it.ID, it.TicketClaimOwner)
	}
	it.TicketClaimOwner = owner
	it.TicketClaimUntil = &until
	return nil
}

// RecordTicketOutcome copies the sink outcome of a claimed run into it and
// releases the claim. Only the claim owner may record, and a stored ticket
// id is never replaced.
func (it *ApprovalItem) RecordTicketOutcome(owner string, outcome ApprovalItem) error {
	if it.TicketID != "" {
		return fmt.Errorf("%w: %s", ErrTicketAlreadyCreated, it.ID)
	}
	if it.TicketClaimOwner != owner {
		return fmt.Errorf("%w: ticket claim of %s", ErrLeaseLost, it.ID)
	}
	it.TicketID = outcome.TicketID
	it.TicketError = outcome.TicketError
	it.TicketAttempts = outcome.TicketAttempts
	it.TicketClaimOwner = ""
	it.TicketClaimUntil = nil
	return nil
}

// ItemEdit carries reviewer changes to one approval item. Nil fields are left unchanged.
type ItemEdit struct {
	ID          string    `json:"id" validate:"required"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
}

// Apply returns item with the edit's non-nil fields applied
func (e ItemEdit) Apply(item ApprovalItem) ApprovalItem {
	if e.Title != nil {
		item.Title = *e.Title
	}
	if e.Description != nil {
		item.Description = *e.Description
	}
	if e.Priority != nil {
		item.Priority = *e.Priority
	}
	return item
}

// ValidateApprovalItem validates an ApprovalItem instance
func ValidateApprovalItem(it *ApprovalItem) error {
	if it == nil {
		return fmt.Errorf("approval item cannot be nil")
	}

	if it.ID == "" {
		return fmt.Errorf("approval item ID is required")
	}

	if it.Title == "" {
		return fmt.Errorf("approval item Title is required")
	}

	switch it.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("approval item Priority is invalid: %s", it.Priority)
	}

	if it.TicketID != "" && !it.Approved {
		return fmt.Errorf("approval item cannot carry a ticket without approval")
	}

	return nil
}
