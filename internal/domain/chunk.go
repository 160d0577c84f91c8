package domain

import (
	"fmt"
	"time"
)

// Corpus identifies which partition a chunk belongs to
type Corpus string

const (
	CorpusCode       Corpus = "code"
	CorpusRegulation Corpus = "regulation"
)

// EmbedStatus represents the embedding state of a chunk
type EmbedStatus string

const (
	EmbedStatusPending EmbedStatus = "pending"
	EmbedStatusReady   EmbedStatus = "ready"
	EmbedStatusFailed  EmbedStatus = "failed"
)

// Locator points at the region of the source a chunk was cut from.
// Code chunks use the line range, regulation chunks use the section.
type Locator struct {
	StartLine int
	EndLine   int
	Section   string
}

// Chunk is a content-addressed unit of source code or regulatory text
type Chunk struct {
	ID            string
	Seq           int64
	Corpus        Corpus
	CorpusID      string // repository id or regulation id
	SourceID      string // file path or regulation version id
	Locator       Locator
	Text          string
	ContentHash   string
	Embedding     []float32
	EmbedStatus   EmbedStatus
	EmbedAttempts int
	LastError     string
	CreatedAt     time.Time
}

// NewChunk creates a pending Chunk instance
func NewChunk(id string, corpus Corpus, corpusID, sourceID string, loc Locator, text, contentHash string) *Chunk {
	return &Chunk{
		ID:          id,
		Corpus:      corpus,
		CorpusID:    corpusID,
		SourceID:    sourceID,
		Locator:     loc,
		Text:        text,
		ContentHash: contentHash,
		EmbedStatus: EmbedStatusPending,
	}
}

// ValidateChunk validates a Chunk instance
func ValidateChunk(c *Chunk) error {
	if c == nil {
		return fmt.Errorf("chunk cannot be nil")
	}

	if !IsValidCorpus(c.Corpus) {
		return fmt.Errorf("chunk Corpus is invalid: %s", c.Corpus)
	}

	if c.CorpusID == "" {
		return fmt.Errorf("chunk CorpusID is required")
	}

	if c.SourceID == "" {
		return fmt.Errorf("chunk SourceID is required")
	}

	if c.ContentHash == "" {
		return fmt.Errorf("chunk ContentHash is required")
	}

	if c.Text == "" {
		return fmt.Errorf("chunk Text is required")
	}

	if c.Locator.EndLine < c.Locator.StartLine {
		return fmt.Errorf("chunk EndLine cannot precede StartLine")
	}

	if !isValidEmbedStatus(c.EmbedStatus) {
		return fmt.Errorf("chunk EmbedStatus is invalid: %s", c.EmbedStatus)
	}

	if c.EmbedStatus == EmbedStatusReady && len(c.Embedding) == 0 {
		return fmt.Errorf("ready chunk must carry an embedding")
	}

	return nil
}

// IsValidCorpus checks if a Corpus is valid
func IsValidCorpus(c Corpus) bool {
	switch c {
	case CorpusCode, CorpusRegulation:
		return true
	}
	return false
}

func isValidEmbedStatus(s EmbedStatus) bool {
	switch s {
	case EmbedStatusPending, EmbedStatusReady, EmbedStatusFailed:
		return true
	}
	return false
}

// CandidatePair is a (code chunk, rule chunk) pair proposed by similarity search.
// The locator fields are copied in so later stages need no refetch.
type CandidatePair struct {
	CodeChunkID  string  `json:"code_chunk_id"`
	RuleChunkID  string  `json:"rule_chunk_id"`
	RegulationID string  `json:"regulation_id"`
	Distance     float64 `json:"distance"`
	File         string  `json:"file"`
	StartLine    int     `json:"start_line"`
	EndLine      int     `json:"end_line"`
	RuleSection  string  `json:"rule_section,omitempty"`
}

// RuleChunk is an active regulation chunk loaded for planning
type RuleChunk struct {
	ChunkID      string `json:"chunk_id"`
	RegulationID string `json:"regulation_id"`
	VersionID    string `json:"version_id"`
	Section      string `json:"section,omitempty"`
	Text         string `json:"text"`
}
