package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource identifies where an inbound trigger came from
type EventSource string

const (
	EventSourceGitHub EventSource = "github"
	EventSourceManual EventSource = "manual"
)

// InboundEvent is a trigger delivery deduplicated by provider event id
type InboundEvent struct {
	ID          string
	Source      EventSource
	Type        string
	Payload     json.RawMessage
	Processed   bool
	ProcessedAt *time.Time
	CaseID      string
	JobID       int64
	SkipReason  string
	ReceivedAt  time.Time
}

// ValidateInboundEvent validates an InboundEvent instance
func ValidateInboundEvent(e *InboundEvent) error {
	if e == nil {
		return fmt.Errorf("inbound event cannot be nil")
	}

	if e.ID == "" {
		return fmt.Errorf("inbound event ID is required")
	}

	if e.Source != EventSourceGitHub && e.Source != EventSourceManual {
		return fmt.Errorf("inbound event Source is invalid: %s", e.Source)
	}

	if e.Type == "" {
		return fmt.Errorf("inbound event Type is required")
	}

	return nil
}

// CaseEventType names an entry of the per-case progress log
type CaseEventType string

const (
	CaseEventStarted          CaseEventType = "case_started"
	CaseEventStageStarted     CaseEventType = "stage_started"
	CaseEventStageRetry       CaseEventType = "stage_retry"
	CaseEventStageCompleted   CaseEventType = "stage_completed"
	CaseEventStageFailed      CaseEventType = "stage_failed"
	CaseEventWaitingApproval  CaseEventType = "case_waiting_approval"
	CaseEventCompleted        CaseEventType = "case_completed"
	CaseEventFailed           CaseEventType = "case_failed"
	CaseEventCancelled        CaseEventType = "case_cancelled"
	CaseEventApprovalRecorded CaseEventType = "approval_recorded"
	CaseEventTicketCreated    CaseEventType = "ticket_created"
	CaseEventTicketFailed     CaseEventType = "ticket_failed"
)

// CaseEvent is an append-only progress log entry
type CaseEvent struct {
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Type      CaseEventType  `json:"type"`
	Stage     Stage          `json:"stage,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewCaseEvent creates a CaseEvent. Seq is assigned on append.
func NewCaseEvent(caseID string, typ CaseEventType, stage Stage, attempt int, message string) CaseEvent {
	return CaseEvent{
		CaseID:  caseID,
		Type:    typ,
		Stage:   stage,
		Attempt: attempt,
		Message: message,
	}
}
