package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
)

// CaseRepository is the Postgres orchestrator.Store. Case writes made under
// a lease match on lease_owner inside a row-locking transaction.
type CaseRepository struct {
	db  dbtx
	now func() time.Time
}

func NewCaseRepository(pool *pgxpool.Pool) *CaseRepository {
	return &CaseRepository{db: pool, now: func() time.Time { return time.Now().UTC() }}
}

const caseColumns = `id, repo_id, regulation_ids, status, steps_completed, current_step, requires_approval,
	approval_items, user_decision, error_message, failed_stage, cancel_requested, trigger_event_id, version,
	lease_owner, lease_expires_at, created_at, updated_at, completed_at`

func scanCase(row pgx.Row) (*domain.AuditCase, error) {
	var c domain.AuditCase
	var steps []string
	var items []byte
	var decision, errMsg, failedStage, trigger, owner *string
	err := row.Scan(&c.ID, &c.RepoID, &c.RegulationIDs, &c.Status, &steps, &c.CurrentStep, &c.RequiresApproval,
		&items, &decision, &errMsg, &failedStage, &c.CancelRequested, &trigger, &c.Version,
		&owner, &c.LeaseExpiresAt, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err != nil {
		return nil, err
	}

	c.StepsCompleted = make([]domain.Stage, 0, len(steps))
	for _, s := range steps {
		c.StepsCompleted = append(c.StepsCompleted, domain.Stage(s))
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &c.ApprovalItems); err != nil {
			return nil, fmt.Errorf("decode approval items: %w", err)
		}
	}
	c.UserDecision = domain.Decision(derefString(decision))
	c.ErrorMessage = derefString(errMsg)
	c.FailedStage = domain.Stage(derefString(failedStage))
	c.TriggerEventID = derefString(trigger)
	c.LeaseOwner = derefString(owner)
	c.Outputs = map[domain.Stage]domain.StageOutput{}
	return &c, nil
}

// loadCase reads a case with its stage outputs. With lock set the case row
// is locked for the rest of the transaction.
func loadCase(ctx context.Context, q dbtx, caseID string, lock bool) (*domain.AuditCase, error) {
	query := `SELECT ` + caseColumns + ` FROM audit_cases WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scanCase(q.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotFound, caseID)
		}
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT output FROM case_stage_outputs WHERE case_id = $1`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out, err := domain.DecodeStageOutput(raw)
		if err != nil {
			return nil, err
		}
		c.Outputs[out.Stage()] = out
	}
	return c, rows.Err()
}

func stagesToStrings(stages []domain.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func encodeItems(items []domain.ApprovalItem) ([]byte, error) {
	if items == nil {
		items = []domain.ApprovalItem{}
	}
	return json.Marshal(items)
}

// writeCase stores the mutable fields of c, bumping its version when bump is set.
func (r *CaseRepository) writeCase(ctx context.Context, tx pgx.Tx, c *domain.AuditCase, bump bool) error {
	items, err := encodeItems(c.ApprovalItems)
	if err != nil {
		return fmt.Errorf("encode approval items: %w", err)
	}
	if bump {
		c.Version++
		c.UpdatedAt = r.now()
	}
	_, err = tx.Exec(ctx,
		`UPDATE audit_cases SET
		   status = $2, steps_completed = $3, current_step = $4, requires_approval = $5, approval_items = $6,
		   user_decision = $7, error_message = $8, failed_stage = $9, cancel_requested = $10, version = $11,
		   lease_owner = $12, lease_expires_at = $13, updated_at = $14, completed_at = $15
		 WHERE id = $1`,
		c.ID, c.Status, stagesToStrings(c.StepsCompleted), c.CurrentStep, c.RequiresApproval, items,
		nullableString(string(c.UserDecision)), nullableString(c.ErrorMessage), nullableString(string(c.FailedStage)),
		c.CancelRequested, c.Version, nullableString(c.LeaseOwner), c.LeaseExpiresAt, c.UpdatedAt, c.CompletedAt,
	)
	return err
}

func appendEvents(ctx context.Context, tx pgx.Tx, caseID string, now time.Time, events []domain.CaseEvent) error {
	for _, e := range events {
		var data []byte
		if len(e.Data) > 0 {
			var err error
			if data, err = json.Marshal(e.Data); err != nil {
				return fmt.Errorf("encode event data: %w", err)
			}
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO case_events (case_id, type, stage, attempt, message, data, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			caseID, e.Type, nullableString(string(e.Stage)), e.Attempt, e.Message, data, createdAt,
		); err != nil {
			return fmt.Errorf("append %s event: %w", e.Type, err)
		}
	}
	return nil
}

// mutate runs fn on the locked case and returns the case as stored afterwards
func (r *CaseRepository) mutate(ctx context.Context, caseID string, fn func(tx pgx.Tx, c *domain.AuditCase) error) (*domain.AuditCase, error) {
	var out *domain.AuditCase
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		c, err := loadCase(ctx, tx, caseID, true)
		if err != nil {
			return err
		}
		if err := fn(tx, c); err != nil {
			return err
		}
		out, err = loadCase(ctx, tx, caseID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CaseRepository) CreateCase(ctx context.Context, c *domain.AuditCase, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	items, err := encodeItems(c.ApprovalItems)
	if err != nil {
		return nil, err
	}

	var out *domain.AuditCase
	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO audit_cases (id, repo_id, regulation_ids, status, steps_completed, current_step,
			   requires_approval, approval_items, trigger_event_id, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (trigger_event_id) DO NOTHING
			 RETURNING id`,
			c.ID, c.RepoID, c.RegulationIDs, c.Status, stagesToStrings(c.StepsCompleted), c.CurrentStep,
			c.RequiresApproval, items, nullableString(c.TriggerEventID), c.Version, c.CreatedAt, c.UpdatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// another delivery of the same event created the case first
			if err := tx.QueryRow(ctx,
				`SELECT id FROM audit_cases WHERE trigger_event_id = $1`, c.TriggerEventID,
			).Scan(&id); err != nil {
				return fmt.Errorf("load case of event %s: %w", c.TriggerEventID, err)
			}
			out, err = loadCase(ctx, tx, id, false)
			return err
		}
		if err != nil {
			if isUniqueViolation(err) {
				return domain.NewDomainErrorWithCause(domain.ErrCodeAlreadyExists, "case already exists", err)
			}
			return fmt.Errorf("insert case: %w", err)
		}
		if err := appendEvents(ctx, tx, id, c.CreatedAt, events); err != nil {
			return err
		}
		out, err = loadCase(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CaseRepository) GetCase(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	return loadCase(ctx, r.db, caseID, false)
}

func (r *CaseRepository) AcquireLease(ctx context.Context, caseID, owner string, until time.Time) (*domain.AuditCase, error) {
	return r.mutate(ctx, caseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		if c.LeaseOwner != owner && c.LeaseHeld(r.now()) {
			return fmt.Errorf("%w: %s held by %s", domain.ErrCaseBusy, c.ID, c.LeaseOwner)
		}
		if c.Status != domain.CaseStatusPending && c.Status != domain.CaseStatusRunning {
			return nil
		}
		bump := c.Status == domain.CaseStatusPending
		c.Status = domain.CaseStatusRunning
		c.LeaseOwner = owner
		c.LeaseExpiresAt = &until
		return r.writeCase(ctx, tx, c, bump)
	})
}

func (r *CaseRepository) ReleaseLease(ctx context.Context, caseID, owner string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE audit_cases SET lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2`,
		caseID, owner,
	)
	return err
}

func fence(c *domain.AuditCase, owner string) error {
	if c.LeaseOwner != owner {
		return fmt.Errorf("%w: case %s", domain.ErrLeaseLost, c.ID)
	}
	return nil
}

func (r *CaseRepository) CommitStage(ctx context.Context, commit orchestrator.StageCommit) (*domain.AuditCase, error) {
	raw, err := domain.EncodeStageOutput(commit.Output)
	if err != nil {
		return nil, err
	}

	return r.mutate(ctx, commit.CaseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		if err := fence(c, commit.Owner); err != nil {
			return err
		}
		if c.NextStage() != commit.Stage {
			return fmt.Errorf("%w: next is %s, got %s", domain.ErrStageOutOfOrder, c.NextStage(), commit.Stage)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO case_stage_outputs (case_id, stage, output, created_at) VALUES ($1, $2, $3, $4)`,
			c.ID, commit.Stage, raw, commit.Now,
		); err != nil {
			return fmt.Errorf("insert %s output: %w", commit.Stage, err)
		}
		if err := insertVerdicts(ctx, tx, commit.Verdicts); err != nil {
			return err
		}

		c.StepsCompleted = append(c.StepsCompleted, commit.Stage)
		c.Status = commit.Status
		c.CurrentStep = c.NextStage()
		if commit.Approval != nil {
			c.RequiresApproval = true
			c.ApprovalItems = commit.Approval
		}
		if commit.Status == domain.CaseStatusRunning {
			until := commit.LeaseUntil
			c.LeaseExpiresAt = &until
		} else {
			c.CurrentStep = domain.StageDone
			c.LeaseOwner = ""
			c.LeaseExpiresAt = nil
		}
		if commit.Status == domain.CaseStatusCompleted {
			now := commit.Now
			c.CompletedAt = &now
		}
		if err := r.writeCase(ctx, tx, c, true); err != nil {
			return err
		}
		return appendEvents(ctx, tx, c.ID, commit.Now, commit.Events)
	})
}

func (r *CaseRepository) FailCase(ctx context.Context, f orchestrator.CaseFailure) (*domain.AuditCase, error) {
	return r.mutate(ctx, f.CaseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		if err := fence(c, f.Owner); err != nil {
			return err
		}
		c.Status = domain.CaseStatusFailed
		c.FailedStage = f.Stage
		c.ErrorMessage = f.Message
		c.LeaseOwner = ""
		c.LeaseExpiresAt = nil
		if err := r.writeCase(ctx, tx, c, true); err != nil {
			return err
		}
		return appendEvents(ctx, tx, c.ID, f.Now, f.Events)
	})
}

func (r *CaseRepository) AppendEvents(ctx context.Context, caseID string, events ...domain.CaseEvent) error {
	if len(events) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM audit_cases WHERE id = $1)`, caseID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrCaseNotFound, caseID)
		}
		return appendEvents(ctx, tx, caseID, r.now(), events)
	})
}

func (r *CaseRepository) RequestCancel(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	return r.mutate(ctx, caseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		c.CancelRequested = true
		return r.writeCase(ctx, tx, c, true)
	})
}

func (r *CaseRepository) ResetForResume(ctx context.Context, caseID string, now time.Time, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	return r.mutate(ctx, caseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		if !c.Resumable(now) {
			return fmt.Errorf("%w: %s is %s", domain.ErrCaseNotResumable, c.ID, c.Status)
		}
		c.Status = domain.CaseStatusPending
		c.ErrorMessage = ""
		c.FailedStage = ""
		c.CancelRequested = false
		if err := r.writeCase(ctx, tx, c, true); err != nil {
			return err
		}
		return appendEvents(ctx, tx, c.ID, now, events)
	})
}

func (r *CaseRepository) RecordApproval(ctx context.Context, rec orchestrator.ApprovalRecord) (*domain.AuditCase, error) {
	return r.mutate(ctx, rec.CaseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		if c.Version != rec.ExpectedVersion {
			return fmt.Errorf("%w: case %s is at version %d", domain.ErrVersionConflict, c.ID, c.Version)
		}
		if c.Status != domain.CaseStatusWaitingApproval {
			return fmt.Errorf("%w: %s", domain.ErrCaseNotAwaiting, c.Status)
		}
		now := rec.Now
		c.UserDecision = rec.Decision
		c.ApprovalItems = rec.Items
		c.Status = domain.CaseStatusCompleted
		c.CompletedAt = &now
		if err := r.writeCase(ctx, tx, c, true); err != nil {
			return err
		}
		return appendEvents(ctx, tx, c.ID, now, rec.Events)
	})
}

func (r *CaseRepository) ClaimTicket(ctx context.Context, caseID, itemID, owner string, until time.Time) (*domain.ApprovalItem, error) {
	var claimed domain.ApprovalItem
	_, err := r.mutate(ctx, caseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		it := c.FindApprovalItem(itemID)
		if it == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownApprovalItem, itemID)
		}
		if err := it.ClaimTicket(owner, r.now(), until); err != nil {
			return err
		}
		claimed = *it
		return r.writeCase(ctx, tx, c, false)
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *CaseRepository) RecordTicket(ctx context.Context, caseID, owner string, item domain.ApprovalItem, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	return r.mutate(ctx, caseID, func(tx pgx.Tx, c *domain.AuditCase) error {
		it := c.FindApprovalItem(item.ID)
		if it == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownApprovalItem, item.ID)
		}
		if err := it.RecordTicketOutcome(owner, item); err != nil {
			return err
		}
		if err := r.writeCase(ctx, tx, c, true); err != nil {
			return err
		}
		return appendEvents(ctx, tx, c.ID, r.now(), events)
	})
}

func (r *CaseRepository) ListEvents(ctx context.Context, caseID string, afterSeq int64, limit int) ([]domain.CaseEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT seq, case_id, type, stage, attempt, message, data, created_at
		 FROM case_events
		 WHERE case_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		caseID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CaseEvent, error) {
		var e domain.CaseEvent
		var stage *string
		var data []byte
		if err := row.Scan(&e.Seq, &e.CaseID, &e.Type, &stage, &e.Attempt, &e.Message, &data, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Stage = domain.Stage(derefString(stage))
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return e, fmt.Errorf("decode event data: %w", err)
			}
		}
		return e, nil
	})
}
