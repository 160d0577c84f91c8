package domain

import (
	"fmt"
	"time"
)

// SourceRevision records which chunks make up one version of a source.
// Only the latest revision of a source takes part in matching.
type SourceRevision struct {
	ID          string
	Corpus      Corpus
	CorpusID    string
	SourceID    string
	ContentHash string
	ChunkCount  int
	CreatedAt   time.Time
}

// NewSourceRevision creates a SourceRevision instance
func NewSourceRevision(id string, corpus Corpus, corpusID, sourceID, contentHash string, now time.Time) *SourceRevision {
	return &SourceRevision{
		ID:          id,
		Corpus:      corpus,
		CorpusID:    corpusID,
		SourceID:    sourceID,
		ContentHash: contentHash,
		CreatedAt:   now,
	}
}

// ValidateSourceRevision validates a SourceRevision instance
func ValidateSourceRevision(r *SourceRevision) error {
	if r == nil {
		return fmt.Errorf("source revision cannot be nil")
	}
	if r.ID == "" {
		return fmt.Errorf("source revision ID is required")
	}
	if !IsValidCorpus(r.Corpus) {
		return fmt.Errorf("source revision Corpus is invalid: %s", r.Corpus)
	}
	if r.CorpusID == "" || r.SourceID == "" {
		return fmt.Errorf("source revision CorpusID and SourceID are required")
	}
	if r.ContentHash == "" {
		return fmt.Errorf("source revision ContentHash is required")
	}
	return nil
}
