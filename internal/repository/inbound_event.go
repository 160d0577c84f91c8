package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// InboundEventRepository deduplicates trigger deliveries by provider event id
type InboundEventRepository struct {
	db dbtx
}

func NewInboundEventRepository(pool *pgxpool.Pool) *InboundEventRepository {
	return &InboundEventRepository{db: pool}
}

const inboundEventColumns = `id, source, type, payload, processed, processed_at, case_id, job_id, skip_reason, received_at`

func scanInboundEvent(row pgx.Row) (*domain.InboundEvent, error) {
	var e domain.InboundEvent
	var payload []byte
	var caseID, skipReason *string
	var jobID *int64
	err := row.Scan(&e.ID, &e.Source, &e.Type, &payload, &e.Processed, &e.ProcessedAt,
		&caseID, &jobID, &skipReason, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.CaseID = derefString(caseID)
	e.SkipReason = derefString(skipReason)
	if jobID != nil {
		e.JobID = *jobID
	}
	return &e, nil
}

// RecordEvent inserts e unprocessed. A delivery with an already recorded id
// returns the stored event unchanged.
func (r *InboundEventRepository) RecordEvent(ctx context.Context, e *domain.InboundEvent) (*domain.InboundEvent, error) {
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO inbound_events (id, source, type, payload, processed, received_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Source, e.Type, payload, e.ReceivedAt,
	); err != nil {
		return nil, err
	}
	return r.GetEvent(ctx, e.ID)
}

func (r *InboundEventRepository) GetEvent(ctx context.Context, id string) (*domain.InboundEvent, error) {
	e, err := scanInboundEvent(r.db.QueryRow(ctx,
		`SELECT `+inboundEventColumns+` FROM inbound_events WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	return e, err
}

// MarkProcessed records the outcome of an event
func (r *InboundEventRepository) MarkProcessed(ctx context.Context, eventID, caseID string, jobID int64, skipReason string, now time.Time) error {
	var job *int64
	if jobID != 0 {
		job = &jobID
	}
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE inbound_events
		 SET processed = TRUE, processed_at = $2, case_id = $3, job_id = $4, skip_reason = $5
		 WHERE id = $1`,
		eventID, now, nullableString(caseID), job, nullableString(skipReason),
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}
