package domain

import (
	"fmt"
	"time"
)

// EmbeddingCacheEntry is a durable embedding keyed by content hash and model
type EmbeddingCacheEntry struct {
	ContentHash string
	Model       string
	Vector      []float32
	CreatedAt   time.Time
}

// NewEmbeddingCacheEntry creates a new EmbeddingCacheEntry instance
func NewEmbeddingCacheEntry(contentHash, model string, vector []float32, createdAt time.Time) *EmbeddingCacheEntry {
	return &EmbeddingCacheEntry{
		ContentHash: contentHash,
		Model:       model,
		Vector:      vector,
		CreatedAt:   createdAt,
	}
}

// ValidateEmbeddingCacheEntry validates an EmbeddingCacheEntry instance
func ValidateEmbeddingCacheEntry(e *EmbeddingCacheEntry, dimensions int) error {
	if e == nil {
		return fmt.Errorf("embedding cache entry cannot be nil")
	}

	if e.ContentHash == "" {
		return fmt.Errorf("embedding cache entry ContentHash is required")
	}

	if e.Model == "" {
		return fmt.Errorf("embedding cache entry Model is required")
	}

	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding cache entry Vector is required")
	}

	if dimensions > 0 && len(e.Vector) != dimensions {
		return fmt.Errorf("embedding cache entry Vector has %d dimensions, expected %d", len(e.Vector), dimensions)
	}

	return nil
}
