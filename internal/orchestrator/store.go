package orchestrator

import (
	"context"
	"time"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Store persists audit cases, their verdicts and their event logs.
// Writes made under a lease are fenced by the lease owner and fail with
// domain.ErrLeaseLost once another execution took the case over. Every
// case write except lease bookkeeping increments the case version.
type Store interface {
	// CreateCase inserts c. A case with the same non-empty trigger event id
	// is returned instead of inserting a second one.
	CreateCase(ctx context.Context, c *domain.AuditCase, events ...domain.CaseEvent) (*domain.AuditCase, error)
	GetCase(ctx context.Context, caseID string) (*domain.AuditCase, error)

	// AcquireLease takes the case lease unless another owner holds an
	// unexpired one (domain.ErrCaseBusy). A pending case becomes running.
	AcquireLease(ctx context.Context, caseID, owner string, until time.Time) (*domain.AuditCase, error)
	ReleaseLease(ctx context.Context, caseID, owner string) error

	// CommitStage records one completed stage in a single transaction.
	CommitStage(ctx context.Context, commit StageCommit) (*domain.AuditCase, error)
	// FailCase marks the case failed and releases the lease.
	FailCase(ctx context.Context, failure CaseFailure) (*domain.AuditCase, error)
	AppendEvents(ctx context.Context, caseID string, events ...domain.CaseEvent) error

	RequestCancel(ctx context.Context, caseID string) (*domain.AuditCase, error)
	// ResetForResume moves a failed or stalled case back to pending and
	// clears its failure fields. It fails with domain.ErrCaseNotResumable
	// when the case is terminal or leased at now.
	ResetForResume(ctx context.Context, caseID string, now time.Time, events ...domain.CaseEvent) (*domain.AuditCase, error)

	// RecordApproval stores the reviewer decision when the case is still at
	// ExpectedVersion (domain.ErrVersionConflict otherwise).
	RecordApproval(ctx context.Context, rec ApprovalRecord) (*domain.AuditCase, error)
	// ClaimTicket reserves the sink call of one approved item for owner
	// until the given time. It fails with domain.ErrTicketInFlight while
	// another owner's claim is live and with domain.ErrTicketAlreadyCreated
	// once the item has a ticket.
	ClaimTicket(ctx context.Context, caseID, itemID, owner string, until time.Time) (*domain.ApprovalItem, error)
	// RecordTicket stores the ticket outcome of an item claimed by owner
	// and releases the claim. A stored ticket id is never overwritten.
	RecordTicket(ctx context.Context, caseID, owner string, item domain.ApprovalItem, events ...domain.CaseEvent) (*domain.AuditCase, error)

	ListVerdicts(ctx context.Context, caseID string) ([]domain.Verdict, error)
	GetVerdict(ctx context.Context, verdictID string) (*domain.Verdict, error)
	// ReviewVerdict updates the review fields when the verdict is still at
	// ExpectedVersion (domain.ErrVersionConflict otherwise).
	ReviewVerdict(ctx context.Context, review VerdictReview) (*domain.Verdict, error)

	// ListEvents returns up to limit events with seq greater than afterSeq
	ListEvents(ctx context.Context, caseID string, afterSeq int64, limit int) ([]domain.CaseEvent, error)
}

// StageCommit is the write set of one completed stage
type StageCommit struct {
	CaseID     string
	Owner      string
	Stage      domain.Stage
	Output     domain.StageOutput
	Status     domain.CaseStatus
	Verdicts   []domain.Verdict
	Approval   []domain.ApprovalItem
	Events     []domain.CaseEvent
	LeaseUntil time.Time
	Now        time.Time
}

// CaseFailure is the write set of a failed or cancelled run
type CaseFailure struct {
	CaseID  string
	Owner   string
	Stage   domain.Stage
	Message string
	Events  []domain.CaseEvent
	Now     time.Time
}

// ApprovalRecord is the write set of a reviewer decision
type ApprovalRecord struct {
	CaseID          string
	ExpectedVersion int64
	Decision        domain.Decision
	Items           []domain.ApprovalItem
	Events          []domain.CaseEvent
	Now             time.Time
}

// VerdictReview is a reviewer update of one verdict
type VerdictReview struct {
	VerdictID       string
	Status          domain.ReviewStatus
	Note            string
	ExpectedVersion int64
	Now             time.Time
}
