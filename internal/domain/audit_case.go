package domain

import (
	"fmt"
	"time"
)

// CaseStatus is the lifecycle state of an audit case
type CaseStatus string

const (
	CaseStatusPending         CaseStatus = "pending"
	CaseStatusRunning         CaseStatus = "running"
	CaseStatusWaitingApproval CaseStatus = "waiting_approval"
	CaseStatusCompleted       CaseStatus = "completed"
	CaseStatusFailed          CaseStatus = "failed"
)

// Decision is the reviewer's terminal answer to an approval request
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDeclined Decision = "declined"
)

// AuditCase is the resumable record of one compliance scan
type AuditCase struct {
	ID               string
	RepoID           string
	RegulationIDs    []string
	Status           CaseStatus
	StepsCompleted   []Stage
	CurrentStep      Stage
	Outputs          map[Stage]StageOutput
	RequiresApproval bool
	ApprovalItems    []ApprovalItem
	UserDecision     Decision
	ErrorMessage     string
	FailedStage      Stage
	CancelRequested  bool
	TriggerEventID   string
	Version          int64
	LeaseOwner       string
	LeaseExpiresAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// NewAuditCase creates a pending AuditCase instance
func NewAuditCase(id, repoID string, regulationIDs []string, triggerEventID string, createdAt time.Time) *AuditCase {
	return &AuditCase{
		ID:             id,
		RepoID:         repoID,
		RegulationIDs:  regulationIDs,
		Status:         CaseStatusPending,
		StepsCompleted: []Stage{},
		CurrentStep:    StagePlanning,
		Outputs:        map[Stage]StageOutput{},
		TriggerEventID: triggerEventID,
		Version:        1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

// ValidateAuditCase validates an AuditCase instance, including the
// completed-prefix and output-membership invariants.
func ValidateAuditCase(c *AuditCase) error {
	if c == nil {
		return fmt.Errorf("audit case cannot be nil")
	}

	if c.ID == "" {
		return fmt.Errorf("audit case ID is required")
	}

	if c.RepoID == "" {
		return fmt.Errorf("audit case RepoID is required")
	}

	if len(c.RegulationIDs) == 0 {
		return fmt.Errorf("audit case RegulationIDs is required")
	}

	if !isValidCaseStatus(c.Status) {
		return fmt.Errorf("audit case Status is invalid: %s", c.Status)
	}

	if err := ValidateStepsPrefix(c.StepsCompleted); err != nil {
		return err
	}

	for stage := range c.Outputs {
		if !c.HasCompleted(stage) {
			return fmt.Errorf("audit case has %s output before the stage completed", stage)
		}
	}

	if c.UserDecision != "" && !IsValidDecision(c.UserDecision) {
		return fmt.Errorf("audit case UserDecision is invalid: %s", c.UserDecision)
	}

	return nil
}

// HasCompleted reports whether stage is in StepsCompleted
func (c *AuditCase) HasCompleted(stage Stage) bool {
	for _, s := range c.StepsCompleted {
		if s == stage {
			return true
		}
	}
	return false
}

// NextStage returns the stage to run next
func (c *AuditCase) NextStage() Stage {
	return NextStage(c.StepsCompleted)
}

// IsTerminal reports whether the case no longer runs stages
func (c *AuditCase) IsTerminal() bool {
	return c.Status == CaseStatusCompleted || c.Status == CaseStatusWaitingApproval
}

// LeaseHeld reports whether another execution holds an unexpired lease
func (c *AuditCase) LeaseHeld(now time.Time) bool {
	return c.LeaseOwner != "" && c.LeaseExpiresAt != nil && c.LeaseExpiresAt.After(now)
}

// Resumable reports whether ResumeCase may re-enter the pipeline
func (c *AuditCase) Resumable(now time.Time) bool {
	switch c.Status {
	case CaseStatusFailed, CaseStatusPending:
		return true
	case CaseStatusRunning:
		return !c.LeaseHeld(now)
	}
	return false
}

// Progress returns the completed share of the pipeline as a percentage
func (c *AuditCase) Progress() int {
	if c.Status == CaseStatusCompleted {
		return 100
	}
	return len(c.StepsCompleted) * 100 / len(StageOrder)
}

// FindApprovalItem returns the approval item with the given id, or nil
func (c *AuditCase) FindApprovalItem(id string) *ApprovalItem {
	for i := range c.ApprovalItems {
		if c.ApprovalItems[i].ID == id {
			return &c.ApprovalItems[i]
		}
	}
	return nil
}

// PendingTickets returns the approved items that still lack a ticket id
func (c *AuditCase) PendingTickets() []ApprovalItem {
	var out []ApprovalItem
	for _, it := range c.ApprovalItems {
		if it.Approved && it.TicketID == "" {
			out = append(out, it)
		}
	}
	return out
}

func isValidCaseStatus(s CaseStatus) bool {
	switch s {
	case CaseStatusPending, CaseStatusRunning, CaseStatusWaitingApproval,
		CaseStatusCompleted, CaseStatusFailed:
		return true
	}
	return false
}

// IsValidDecision checks if a Decision is valid
func IsValidDecision(d Decision) bool {
	return d == DecisionApproved || d == DecisionDeclined
}
