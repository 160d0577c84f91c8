package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingCacheRepository is the durable content-hash keyed vector cache
type EmbeddingCacheRepository struct {
	db dbtx
}

func NewEmbeddingCacheRepository(pool *pgxpool.Pool) *EmbeddingCacheRepository {
	return &EmbeddingCacheRepository{db: pool}
}

// GetMany returns the cached vectors among hashes for model
func (r *EmbeddingCacheRepository) GetMany(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT content_hash, vector FROM embedding_cache WHERE model = $1 AND content_hash = ANY($2)`,
		model, hashes,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var vec pgvector.Vector
		if err := rows.Scan(&hash, &vec); err != nil {
			return nil, err
		}
		out[hash] = vec.Slice()
	}
	return out, rows.Err()
}

// PutMany stores vectors keyed by content hash. Existing entries are kept.
func (r *EmbeddingCacheRepository) PutMany(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for hash, vec := range vectors {
		batch.Queue(
			`INSERT INTO embedding_cache (content_hash, model, vector, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (model, content_hash) DO NOTHING`,
			hash, model, pgvector.NewVector(vec), now,
		)
	}
	return r.db.SendBatch(ctx, batch).Close()
}
