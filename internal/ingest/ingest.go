// Package ingest chunks source documents and records them as the current
// revision of their source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/chunker"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// ErrRevisionNotFound is returned by Store.CurrentRevision when a source has
// never been ingested.
var ErrRevisionNotFound = errors.New("source revision not found")

// Store persists chunks and source membership
type Store interface {
	// CurrentRevision returns the latest revision of a source or ErrRevisionNotFound.
	CurrentRevision(ctx context.Context, corpus domain.Corpus, corpusID, sourceID string) (*domain.SourceRevision, error)
	// SaveSource upserts chunks by content hash and records rev as the current
	// revision of its source in one transaction. Chunks that already existed get
	// their stored ID written back. It returns how many chunk rows were created.
	SaveSource(ctx context.Context, rev *domain.SourceRevision, chunks []domain.Chunk) (int, error)
	// RetireSource removes a source from the current set.
	RetireSource(ctx context.Context, corpus domain.Corpus, corpusID, sourceID string) error
	// ListSources returns the source ids currently recorded for an owner.
	ListSources(ctx context.Context, corpus domain.Corpus, corpusID string) ([]string, error)
}

// SourceInput is one source document handed to ingestion.
// ContentHash is optional; it is computed from Text when empty.
type SourceInput struct {
	Corpus      domain.Corpus
	CorpusID    string
	SourceID    string
	Text        string
	ContentHash string
}

// IngestResult reports what an ingestion changed
type IngestResult struct {
	RevisionID string `json:"revision_id"`
	SourceHash string `json:"source_hash"`
	Chunks     int    `json:"chunks"`
	Created    int    `json:"created"`
	Reused     int    `json:"reused"`
	Unchanged  bool   `json:"unchanged"`
}

// Service chunks sources and records them
type Service struct {
	store   Store
	chunker *chunker.Chunker
	uuidGen domain.UUIDGenerator
	now     func() time.Time
}

// NewService creates a new Service instance
func NewService(store Store, ch *chunker.Chunker) *Service {
	return NewServiceWithUUIDGen(store, ch, &domain.DefaultUUIDGenerator{})
}

// NewServiceWithUUIDGen creates a new Service with custom UUID generator (for testing)
func NewServiceWithUUIDGen(store Store, ch *chunker.Chunker, uuidGen domain.UUIDGenerator) *Service {
	return &Service{
		store:   store,
		chunker: ch,
		uuidGen: uuidGen,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IngestSource chunks one source and upserts its chunks. Re-ingesting
// identical content is a no-op.
func (s *Service) IngestSource(ctx context.Context, in SourceInput) (*IngestResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestService.IngestSource", telemetry.SpanAttributes{
		RepoID:    in.CorpusID,
		Operation: "ingest",
	})
	defer span.End()

	if !domain.IsValidCorpus(in.Corpus) {
		return nil, domain.ErrInvalidCorpus
	}
	if in.CorpusID == "" || in.SourceID == "" {
		return nil, domain.ErrMissingRequiredField
	}

	sourceHash := in.ContentHash
	if sourceHash == "" {
		sourceHash = chunker.SourceHash(in.Text)
	}

	current, err := s.store.CurrentRevision(ctx, in.Corpus, in.CorpusID, in.SourceID)
	switch {
	case err == nil && current.ContentHash == sourceHash:
		return &IngestResult{
			RevisionID: current.ID,
			SourceHash: sourceHash,
			Chunks:     current.ChunkCount,
			Reused:     current.ChunkCount,
			Unchanged:  true,
		}, nil
	case err != nil && !errors.Is(err, ErrRevisionNotFound):
		span.SetError(err)
		return nil, fmt.Errorf("load current revision: %w", err)
	}

	chunks, err := s.chunker.Chunk(in.Corpus, in.CorpusID, in.SourceID, in.Text)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range chunks {
		chunks[i].ID = s.uuidGen.NewString()
		chunks[i].CreatedAt = now
	}

	rev := domain.NewSourceRevision(s.uuidGen.NewString(), in.Corpus, in.CorpusID, in.SourceID, sourceHash, now)
	rev.ChunkCount = len(chunks)
	if err := domain.ValidateSourceRevision(rev); err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, err.Error())
	}

	created, err := s.store.SaveSource(ctx, rev, chunks)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("save source %s: %w", in.SourceID, err)
	}

	log.Debug().
		Str("corpus", string(in.Corpus)).
		Str("corpus_id", in.CorpusID).
		Str("source_id", in.SourceID).
		Int("chunks", len(chunks)).
		Int("created", created).
		Msg("ingest: source recorded")

	return &IngestResult{
		RevisionID: rev.ID,
		SourceHash: sourceHash,
		Chunks:     len(chunks),
		Created:    created,
		Reused:     len(chunks) - created,
	}, nil
}
