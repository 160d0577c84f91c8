package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

// VectorIndex is the pgvector implementation of vectorindex.Index. Vectors
// live on the chunk rows; only current chunks are visible to queries.
type VectorIndex struct {
	db dbtx
}

func NewVectorIndex(pool *pgxpool.Pool) *VectorIndex {
	return &VectorIndex{db: pool}
}

// Upsert stores the vector of a chunk and marks it ready
func (v *VectorIndex) Upsert(ctx context.Context, chunkID string, vector []float32, corpus domain.Corpus) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for chunk %s", chunkID)
	}
	cmdTag, err := v.db.Exec(ctx,
		`UPDATE chunks
		 SET embedding = $1, embed_status = 'ready', last_error = NULL, claimed_until = NULL
		 WHERE id = $2 AND corpus = $3`,
		pgvector.NewVector(vector), chunkID, corpus,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrChunkNotFound, chunkID)
	}
	return nil
}

// Query ranks the ready current chunks of scope by cosine distance, ties
// broken by creation order.
func (v *VectorIndex) Query(ctx context.Context, vector []float32, scope vectorindex.Scope, k int) ([]vectorindex.Hit, error) {
	if k <= 0 || len(scope.OwnerIDs) == 0 {
		return nil, nil
	}
	rows, err := v.db.Query(ctx,
		`SELECT c.id, c.seq, c.embedding <=> $1 AS distance
		 FROM chunks c
		 WHERE c.corpus = $2 AND c.corpus_id = ANY($3) AND c.embed_status = 'ready'
		   AND `+currentMembership+`
		 ORDER BY distance ASC, c.seq ASC
		 LIMIT $4`,
		pgvector.NewVector(vector), scope.Corpus, scope.OwnerIDs, k,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorindex.Hit, error) {
		var h vectorindex.Hit
		err := row.Scan(&h.ChunkID, &h.Seq, &h.Distance)
		return h, err
	})
}

// Readiness counts the current chunks of scope by embedding state
func (v *VectorIndex) Readiness(ctx context.Context, scope vectorindex.Scope) (vectorindex.Readiness, error) {
	var r vectorindex.Readiness
	if len(scope.OwnerIDs) == 0 {
		return r, nil
	}
	rows, err := v.db.Query(ctx,
		`SELECT c.embed_status, COUNT(*)
		 FROM chunks c
		 WHERE c.corpus = $1 AND c.corpus_id = ANY($2)
		   AND `+currentMembership+`
		 GROUP BY c.embed_status`,
		scope.Corpus, scope.OwnerIDs,
	)
	if err != nil {
		return r, err
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.EmbedStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return r, err
		}
		switch status {
		case domain.EmbedStatusReady:
			r.Ready = n
		case domain.EmbedStatusFailed:
			r.Failed = n
		default:
			r.Pending += n
		}
	}
	return r, rows.Err()
}
