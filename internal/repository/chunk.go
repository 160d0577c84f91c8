package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/ingest"
)

// DefaultClaimTTL is how long a claimed chunk is hidden from other workers
const DefaultClaimTTL = 5 * time.Minute

// currentMembership restricts a chunk alias c to sources that are current:
// every recorded code file and the active version of each regulation.
const currentMembership = `EXISTS (
	SELECT 1 FROM source_chunks sc
	WHERE sc.chunk_id = c.id
	  AND (sc.corpus = 'code' OR EXISTS (
		SELECT 1 FROM regulation_versions rv WHERE rv.id = sc.source_id AND rv.is_active)))`

const chunkColumns = `c.id, c.seq, c.corpus, c.corpus_id, c.source_id, c.start_line, c.end_line, c.section,
	c.text, c.content_hash, c.embedding, c.embed_status, c.embed_attempts, c.last_error, c.created_at`

// memberColumns reads the locator from the source membership row sc
const memberColumns = `c.id, c.seq, c.corpus, c.corpus_id, sc.source_id, sc.start_line, sc.end_line, sc.section,
	c.text, c.content_hash, c.embedding, c.embed_status, c.embed_attempts, c.last_error, c.created_at`

// ChunkRepository stores content-addressed chunks and their source membership
type ChunkRepository struct {
	db       dbtx
	claimTTL time.Duration
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool, claimTTL: DefaultClaimTTL}
}

func NewChunkRepositoryWithTx(tx pgx.Tx) *ChunkRepository {
	return &ChunkRepository{db: tx, claimTTL: DefaultClaimTTL}
}

func scanChunk(row pgx.Row) (*domain.Chunk, error) {
	var c domain.Chunk
	var embedding *pgvector.Vector
	var lastError *string
	err := row.Scan(&c.ID, &c.Seq, &c.Corpus, &c.CorpusID, &c.SourceID,
		&c.Locator.StartLine, &c.Locator.EndLine, &c.Locator.Section,
		&c.Text, &c.ContentHash, &embedding, &c.EmbedStatus, &c.EmbedAttempts, &lastError, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		c.Embedding = embedding.Slice()
	}
	c.LastError = derefString(lastError)
	return &c, nil
}

func collectChunks(rows pgx.Rows) ([]domain.Chunk, error) {
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CurrentRevision returns the current revision of a source
func (r *ChunkRepository) CurrentRevision(ctx context.Context, corpus domain.Corpus, corpusID, sourceID string) (*domain.SourceRevision, error) {
	var rev domain.SourceRevision
	err := r.db.QueryRow(ctx,
		`SELECT id, corpus, corpus_id, source_id, content_hash, chunk_count, created_at
		 FROM source_revisions
		 WHERE corpus = $1 AND corpus_id = $2 AND source_id = $3 AND is_current`,
		corpus, corpusID, sourceID,
	).Scan(&rev.ID, &rev.Corpus, &rev.CorpusID, &rev.SourceID, &rev.ContentHash, &rev.ChunkCount, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ingest.ErrRevisionNotFound
		}
		return nil, err
	}
	return &rev, nil
}

// SaveSource upserts chunks by content hash, replaces the membership of the
// source and records rev as its current revision in one transaction.
func (r *ChunkRepository) SaveSource(ctx context.Context, rev *domain.SourceRevision, chunks []domain.Chunk) (int, error) {
	created := 0
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		created = 0
		for i := range chunks {
			c := &chunks[i]
			var inserted bool
			err := tx.QueryRow(ctx,
				`INSERT INTO chunks (id, corpus, corpus_id, source_id, start_line, end_line, section, text, content_hash, embed_status, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				 ON CONFLICT (corpus, corpus_id, content_hash) DO UPDATE SET content_hash = EXCLUDED.content_hash
				 RETURNING id, seq, (xmax = 0)`,
				c.ID, c.Corpus, c.CorpusID, c.SourceID, c.Locator.StartLine, c.Locator.EndLine, c.Locator.Section,
				c.Text, c.ContentHash, domain.EmbedStatusPending, c.CreatedAt,
			).Scan(&c.ID, &c.Seq, &inserted)
			if err != nil {
				return fmt.Errorf("upsert chunk %d: %w", i, err)
			}
			if inserted {
				created++
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE source_revisions SET is_current = FALSE
			 WHERE corpus = $1 AND corpus_id = $2 AND source_id = $3 AND is_current`,
			rev.Corpus, rev.CorpusID, rev.SourceID,
		); err != nil {
			return fmt.Errorf("retire previous revision: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM source_chunks WHERE corpus = $1 AND corpus_id = $2 AND source_id = $3`,
			rev.Corpus, rev.CorpusID, rev.SourceID,
		); err != nil {
			return fmt.Errorf("clear source membership: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO source_revisions (id, corpus, corpus_id, source_id, content_hash, chunk_count, is_current, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
			rev.ID, rev.Corpus, rev.CorpusID, rev.SourceID, rev.ContentHash, rev.ChunkCount, rev.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert revision: %w", err)
		}

		batch := &pgx.Batch{}
		for i, c := range chunks {
			batch.Queue(
				`INSERT INTO source_chunks (corpus, corpus_id, source_id, position, chunk_id, revision_id, start_line, end_line, section)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				rev.Corpus, rev.CorpusID, rev.SourceID, i, c.ID, rev.ID, c.Locator.StartLine, c.Locator.EndLine, c.Locator.Section,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// RetireSource removes a source from the current set. Its chunks stay stored.
func (r *ChunkRepository) RetireSource(ctx context.Context, corpus domain.Corpus, corpusID, sourceID string) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM source_chunks WHERE corpus = $1 AND corpus_id = $2 AND source_id = $3`,
			corpus, corpusID, sourceID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE source_revisions SET is_current = FALSE
			 WHERE corpus = $1 AND corpus_id = $2 AND source_id = $3 AND is_current`,
			corpus, corpusID, sourceID,
		)
		return err
	})
}

// ListSources returns the current source ids of an owner
func (r *ChunkRepository) ListSources(ctx context.Context, corpus domain.Corpus, corpusID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT source_id FROM source_revisions
		 WHERE corpus = $1 AND corpus_id = $2 AND is_current
		 ORDER BY source_id`,
		corpus, corpusID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListCurrent returns the current chunks of one owner ordered by source,
// start line and creation order. A chunk shared by several sources is
// returned once, located in the first of them.
func (r *ChunkRepository) ListCurrent(ctx context.Context, corpus domain.Corpus, ownerID string) ([]domain.Chunk, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (c.id) `+memberColumns+`
		 FROM source_chunks sc
		 JOIN chunks c ON c.id = sc.chunk_id
		 WHERE sc.corpus = $1 AND sc.corpus_id = $2
		   AND (sc.corpus = 'code' OR EXISTS (
			 SELECT 1 FROM regulation_versions rv WHERE rv.id = sc.source_id AND rv.is_active))
		 ORDER BY c.id, sc.source_id, sc.start_line`,
		corpus, ownerID,
	)
	if err != nil {
		return nil, err
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].SourceID != chunks[j].SourceID {
			return chunks[i].SourceID < chunks[j].SourceID
		}
		if chunks[i].Locator.StartLine != chunks[j].Locator.StartLine {
			return chunks[i].Locator.StartLine < chunks[j].Locator.StartLine
		}
		return chunks[i].Seq < chunks[j].Seq
	})
	return chunks, nil
}

// GetByIDs returns the stored chunks among ids, in input order
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks c WHERE c.id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	found, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Adjacent returns the code chunks of file immediately before and after the
// region starting at startLine.
func (r *ChunkRepository) Adjacent(ctx context.Context, repoID, file string, startLine int) ([]domain.Chunk, error) {
	rows, err := r.db.Query(ctx,
		`(SELECT `+memberColumns+`
		  FROM source_chunks sc JOIN chunks c ON c.id = sc.chunk_id
		  WHERE sc.corpus = 'code' AND sc.corpus_id = $1 AND sc.source_id = $2 AND sc.start_line < $3
		  ORDER BY sc.start_line DESC, c.seq DESC
		  LIMIT 1)
		 UNION ALL
		 (SELECT `+memberColumns+`
		  FROM source_chunks sc JOIN chunks c ON c.id = sc.chunk_id
		  WHERE sc.corpus = 'code' AND sc.corpus_id = $1 AND sc.source_id = $2 AND sc.start_line > $3
		  ORDER BY sc.start_line ASC, c.seq ASC
		  LIMIT 1)`,
		repoID, file, startLine,
	)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

// ClaimPending hides up to limit pending chunks from other workers for the
// claim TTL and returns them in creation order.
func (r *ChunkRepository) ClaimPending(ctx context.Context, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`WITH cte AS (
			 SELECT id
			 FROM chunks
			 WHERE embed_status = 'pending'
			   AND (claimed_until IS NULL OR claimed_until < NOW())
			 ORDER BY seq ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $1
		 )
		 UPDATE chunks c
		 SET claimed_until = NOW() + make_interval(secs => $2)
		 FROM cte
		 WHERE c.id = cte.id
		 RETURNING `+chunkColumns,
		limit, r.claimTTL.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, nil
}

// RecordEmbedFailure counts one failed attempt and releases the claim
func (r *ChunkRepository) RecordEmbedFailure(ctx context.Context, chunkID, errMsg string, failed bool) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE chunks
		 SET embed_attempts = embed_attempts + 1,
		     last_error = $2,
		     embed_status = CASE WHEN $3 THEN 'failed' ELSE 'pending' END,
		     claimed_until = NULL
		 WHERE id = $1`,
		chunkID, errMsg, failed,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrChunkNotFound, chunkID)
	}
	return nil
}

// RequeueFailed returns failed chunks of an owner to pending with a fresh
// attempt budget and reports how many were requeued.
func (r *ChunkRepository) RequeueFailed(ctx context.Context, corpus domain.Corpus, corpusID string) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE chunks
		 SET embed_status = 'pending', embed_attempts = 0, claimed_until = NULL
		 WHERE corpus = $1 AND corpus_id = $2 AND embed_status = 'failed'`,
		corpus, corpusID,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}
