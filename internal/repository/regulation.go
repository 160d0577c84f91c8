package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// RegulationRepository persists regulations and their version chains
type RegulationRepository struct {
	db dbtx
}

func NewRegulationRepository(pool *pgxpool.Pool) *RegulationRepository {
	return &RegulationRepository{db: pool}
}

func NewRegulationRepositoryWithTx(tx pgx.Tx) *RegulationRepository {
	return &RegulationRepository{db: tx}
}

func scanRegulation(row pgx.Row) (*domain.Regulation, error) {
	var reg domain.Regulation
	var active *string
	if err := row.Scan(&reg.ID, &reg.Title, &reg.IssuingBody, &active, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return nil, err
	}
	reg.ActiveVersionID = derefString(active)
	return &reg, nil
}

func scanVersion(row pgx.Row) (*domain.RegulationVersion, error) {
	var v domain.RegulationVersion
	var supersededBy *string
	if err := row.Scan(&v.ID, &v.RegulationID, &v.VersionNumber, &v.ContentHash, &v.IsActive, &supersededBy, &v.PublishedAt); err != nil {
		return nil, err
	}
	v.SupersededBy = derefString(supersededBy)
	return &v, nil
}

func (r *RegulationRepository) GetRegulation(ctx context.Context, id string) (*domain.Regulation, error) {
	reg, err := scanRegulation(r.db.QueryRow(ctx,
		`SELECT id, title, issuing_body, active_version_id, created_at, updated_at
		 FROM regulations WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRegulationNotFound
		}
		return nil, err
	}
	return reg, nil
}

func (r *RegulationRepository) ListRegulations(ctx context.Context) ([]*domain.Regulation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, title, issuing_body, active_version_id, created_at, updated_at
		 FROM regulations ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Regulation, error) {
		return scanRegulation(row)
	})
}

func (r *RegulationRepository) GetVersion(ctx context.Context, id string) (*domain.RegulationVersion, error) {
	v, err := scanVersion(r.db.QueryRow(ctx,
		`SELECT id, regulation_id, version_number, content_hash, is_active, superseded_by, published_at
		 FROM regulation_versions WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: version %s", domain.ErrRegulationNotFound, id)
		}
		return nil, err
	}
	return v, nil
}

func (r *RegulationRepository) ListVersions(ctx context.Context, regulationID string) ([]*domain.RegulationVersion, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, regulation_id, version_number, content_hash, is_active, superseded_by, published_at
		 FROM regulation_versions WHERE regulation_id = $1
		 ORDER BY version_number ASC`,
		regulationID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.RegulationVersion, error) {
		return scanVersion(row)
	})
}

// PublishVersion upserts reg and makes v its active version. The regulation
// row is locked so concurrent publishes of one regulation serialise; a
// publish whose content already is active returns the active version.
func (r *RegulationRepository) PublishVersion(ctx context.Context, reg *domain.Regulation, v *domain.RegulationVersion) (*domain.RegulationVersion, *domain.RegulationVersion, error) {
	var active, superseded *domain.RegulationVersion
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO regulations (id, title, issuing_body, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, issuing_body = EXCLUDED.issuing_body, updated_at = EXCLUDED.updated_at`,
			reg.ID, reg.Title, reg.IssuingBody, reg.CreatedAt, reg.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert regulation: %w", err)
		}

		var currentID *string
		if err := tx.QueryRow(ctx,
			`SELECT active_version_id FROM regulations WHERE id = $1 FOR UPDATE`, reg.ID,
		).Scan(&currentID); err != nil {
			return fmt.Errorf("lock regulation: %w", err)
		}

		if currentID != nil {
			prev, err := NewRegulationRepositoryWithTx(tx).GetVersion(ctx, *currentID)
			if err != nil {
				return err
			}
			if prev.ContentHash == v.ContentHash {
				active = prev
				return nil
			}
			superseded = prev
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO regulation_versions (id, regulation_id, version_number, content_hash, is_active, published_at)
			 VALUES ($1, $2, $3, $4, FALSE, $5)`,
			v.ID, v.RegulationID, v.VersionNumber, v.ContentHash, v.PublishedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: version %d of %s", domain.ErrVersionConflict, v.VersionNumber, reg.ID)
			}
			return fmt.Errorf("insert version: %w", err)
		}

		if superseded != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE regulation_versions SET is_active = FALSE, superseded_by = $2 WHERE id = $1`,
				superseded.ID, v.ID,
			); err != nil {
				return fmt.Errorf("supersede version: %w", err)
			}
			superseded.IsActive = false
			superseded.SupersededBy = v.ID
		}

		if _, err := tx.Exec(ctx,
			`UPDATE regulation_versions SET is_active = TRUE WHERE id = $1`, v.ID,
		); err != nil {
			return fmt.Errorf("activate version: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE regulations SET active_version_id = $2, updated_at = $3 WHERE id = $1`,
			reg.ID, v.ID, reg.UpdatedAt,
		); err != nil {
			return fmt.Errorf("point regulation at version: %w", err)
		}

		published := *v
		published.IsActive = true
		published.SupersededBy = ""
		active = &published
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return active, superseded, nil
}

// ActiveRuleChunks returns the chunks of the active version of each
// regulation, in the order of regulationIDs then chunk position.
func (r *RegulationRepository) ActiveRuleChunks(ctx context.Context, regulationIDs []string) ([]domain.RuleChunk, error) {
	if len(regulationIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT c.id, reg.id, sc.source_id, sc.section, c.text
		 FROM regulations reg
		 JOIN source_chunks sc
		   ON sc.corpus = 'regulation' AND sc.corpus_id = reg.id AND sc.source_id = reg.active_version_id
		 JOIN chunks c ON c.id = sc.chunk_id
		 WHERE reg.id = ANY($1::text[])
		 ORDER BY array_position($1::text[], reg.id), sc.position`,
		regulationIDs,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RuleChunk, error) {
		var rc domain.RuleChunk
		err := row.Scan(&rc.ChunkID, &rc.RegulationID, &rc.VersionID, &rc.Section, &rc.Text)
		return rc, err
	})
}
