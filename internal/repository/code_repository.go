package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// CodeRepositoryRepository persists the source repositories under audit
type CodeRepositoryRepository struct {
	db dbtx
}

func NewCodeRepositoryRepository(pool *pgxpool.Pool) *CodeRepositoryRepository {
	return &CodeRepositoryRepository{db: pool}
}

const codeRepositoryColumns = `id, full_name, default_branch, default_regulation_ids, created_at`

func scanCodeRepository(row pgx.Row) (*domain.Repository, error) {
	var repo domain.Repository
	if err := row.Scan(&repo.ID, &repo.FullName, &repo.DefaultBranch, &repo.DefaultRegulationIDs, &repo.CreatedAt); err != nil {
		return nil, err
	}
	return &repo, nil
}

// Save inserts repo or updates the one with the same id
func (r *CodeRepositoryRepository) Save(ctx context.Context, repo *domain.Repository) error {
	regs := repo.DefaultRegulationIDs
	if regs == nil {
		regs = []string{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO repositories (`+codeRepositoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   full_name = EXCLUDED.full_name,
		   default_branch = EXCLUDED.default_branch,
		   default_regulation_ids = EXCLUDED.default_regulation_ids`,
		repo.ID, repo.FullName, repo.DefaultBranch, regs, repo.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: repository %s", domain.ErrRepositoryExists, repo.FullName)
	}
	return err
}

func (r *CodeRepositoryRepository) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	repo, err := scanCodeRepository(r.db.QueryRow(ctx,
		`SELECT `+codeRepositoryColumns+` FROM repositories WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRepositoryNotFound
	}
	return repo, err
}

func (r *CodeRepositoryRepository) GetRepositoryByFullName(ctx context.Context, fullName string) (*domain.Repository, error) {
	repo, err := scanCodeRepository(r.db.QueryRow(ctx,
		`SELECT `+codeRepositoryColumns+` FROM repositories WHERE full_name = $1`, fullName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRepositoryNotFound
	}
	return repo, err
}

func (r *CodeRepositoryRepository) List(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+codeRepositoryColumns+` FROM repositories ORDER BY full_name`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Repository, error) {
		return scanCodeRepository(row)
	})
}
