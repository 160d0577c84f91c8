package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/embedder"
)

const (
	// MaxRetries is the number of embedding attempts before a chunk is marked failed
	MaxRetries = 3

	// DefaultClaimLimit is the number of pending chunks claimed per poll
	DefaultClaimLimit = 64
)

// ChunkQueue hands out chunks awaiting embedding
type ChunkQueue interface {
	// ClaimPending retrieves and claims up to limit pending chunks
	ClaimPending(ctx context.Context, limit int) ([]domain.Chunk, error)

	// RecordEmbedFailure increments the attempt count of a chunk and stores the
	// error. The chunk returns to pending unless failed is set.
	RecordEmbedFailure(ctx context.Context, chunkID, errMsg string, failed bool) error
}

// Embedder turns chunks into vectors
type Embedder interface {
	Embed(ctx context.Context, batch []domain.Chunk) (*embedder.Result, error)
}

// VectorWriter stores a chunk vector and marks the chunk ready
type VectorWriter interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, corpus domain.Corpus) error
}

// IndexingProcessor embeds pending chunks and writes them to the vector index
type IndexingProcessor struct {
	queue    ChunkQueue
	embedder Embedder
	index    VectorWriter
	limit    int
}

// NewIndexingProcessor creates a new IndexingProcessor instance
func NewIndexingProcessor(queue ChunkQueue, emb Embedder, index VectorWriter, limit int) *IndexingProcessor {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	return &IndexingProcessor{
		queue:    queue,
		embedder: emb,
		index:    index,
		limit:    limit,
	}
}

// ProcessJobs implements the JobProcessor interface
func (p *IndexingProcessor) ProcessJobs(ctx context.Context) error {
	chunks, err := p.queue.ClaimPending(ctx, p.limit)
	if err != nil {
		return fmt.Errorf("failed to claim pending chunks: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}

	log.Debug().Int("chunks", len(chunks)).Msg("indexing pending chunks")

	res, err := p.embedder.Embed(ctx, chunks)
	if res == nil {
		// nothing was embedded; every claimed chunk counts one attempt
		if err == nil {
			err = fmt.Errorf("embedder returned no result")
		}
		for _, c := range chunks {
			p.handleFailure(ctx, c, err)
		}
		return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	ready := 0
	for i, item := range res.Items {
		c := chunks[i]
		if item.Err != nil {
			p.handleFailure(ctx, c, item.Err)
			continue
		}
		if err := p.index.Upsert(ctx, c.ID, item.Vector, c.Corpus); err != nil {
			p.handleFailure(ctx, c, fmt.Errorf("index upsert: %w", err))
			continue
		}
		ready++
	}

	log.Info().
		Int("claimed", len(chunks)).
		Int("ready", ready).
		Int("cache_hits", res.CacheHits).
		Int("provider_calls", res.ProviderCalls).
		Msg("indexing batch processed")
	return nil
}

// handleFailure records a failed attempt, marking the chunk failed at MaxRetries
func (p *IndexingProcessor) handleFailure(ctx context.Context, c domain.Chunk, cause error) {
	attempt := c.EmbedAttempts + 1
	failed := attempt >= MaxRetries
	msg := fmt.Sprintf("attempt %d: %v", attempt, cause)
	if failed {
		msg = fmt.Sprintf("max retries exceeded: %v", cause)
	}

	logger := log.With().Str("chunk_id", c.ID).Int("attempt", attempt).Logger()
	if err := p.queue.RecordEmbedFailure(ctx, c.ID, msg, failed); err != nil {
		logger.Error().Err(err).Msg("failed to record embedding failure")
		return
	}
	if failed {
		logger.Warn().Err(cause).Msg("chunk exceeded max retries, marked failed")
		return
	}
	logger.Debug().Err(cause).Msg("chunk will be retried")
}
