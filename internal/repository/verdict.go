package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
)

const verdictColumns = `id, case_id, code_chunk_id, rule_chunk_id, rule_chunk_ids, regulation_ids, file, start_line,
	end_line, classification, severity, score, explanation, remediation, review_status, reviewer_note, version,
	created_at, updated_at`

func scanVerdict(row pgx.Row) (*domain.Verdict, error) {
	var v domain.Verdict
	err := row.Scan(&v.ID, &v.CaseID, &v.CodeChunkID, &v.RuleChunkID, &v.RuleChunkIDs, &v.RegulationIDs,
		&v.File, &v.StartLine, &v.EndLine, &v.Classification, &v.Severity, &v.Score, &v.Explanation,
		&v.Remediation, &v.ReviewStatus, &v.ReviewerNote, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func insertVerdicts(ctx context.Context, tx pgx.Tx, verdicts []domain.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range verdicts {
		batch.Queue(
			`INSERT INTO verdicts (`+verdictColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			 ON CONFLICT (id) DO NOTHING`,
			v.ID, v.CaseID, v.CodeChunkID, v.RuleChunkID, emptyIfNil(v.RuleChunkIDs), emptyIfNil(v.RegulationIDs),
			v.File, v.StartLine, v.EndLine, v.Classification, v.Severity, v.Score, v.Explanation,
			v.Remediation, v.ReviewStatus, v.ReviewerNote, v.Version, v.CreatedAt, v.UpdatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert verdicts: %w", err)
	}
	return nil
}

func (r *CaseRepository) ListVerdicts(ctx context.Context, caseID string) ([]domain.Verdict, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+verdictColumns+` FROM verdicts WHERE case_id = $1 ORDER BY file, start_line, id`,
		caseID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Verdict, error) {
		v, err := scanVerdict(row)
		if err != nil {
			return domain.Verdict{}, err
		}
		return *v, nil
	})
}

func (r *CaseRepository) GetVerdict(ctx context.Context, verdictID string) (*domain.Verdict, error) {
	v, err := scanVerdict(r.db.QueryRow(ctx,
		`SELECT `+verdictColumns+` FROM verdicts WHERE id = $1`, verdictID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrVerdictNotFound, verdictID)
	}
	return v, err
}

// ReviewVerdict applies a reviewer update when the stored version matches
func (r *CaseRepository) ReviewVerdict(ctx context.Context, review orchestrator.VerdictReview) (*domain.Verdict, error) {
	v, err := scanVerdict(r.db.QueryRow(ctx,
		`UPDATE verdicts
		 SET review_status = $2, reviewer_note = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5
		 RETURNING `+verdictColumns,
		review.VerdictID, review.Status, review.Note, review.Now, review.ExpectedVersion,
	))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, err := r.GetVerdict(ctx, review.VerdictID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: verdict %s is at version %d", domain.ErrVersionConflict, current.ID, current.Version)
}
