package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Memory is an exact, in-process Index. It also serves as a chunk source
// for the matcher, holding only current chunks.
type Memory struct {
	mu      sync.RWMutex
	chunks  map[string]*domain.Chunk
	nextSeq int64
}

// NewMemory creates an empty Memory index
func NewMemory() *Memory {
	return &Memory{chunks: make(map[string]*domain.Chunk)}
}

// Add registers a chunk. A chunk without Seq gets the next creation number;
// a chunk carrying an embedding is immediately ready.
func (m *Memory) Add(c domain.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Seq == 0 {
		m.nextSeq++
		c.Seq = m.nextSeq
	} else if c.Seq > m.nextSeq {
		m.nextSeq = c.Seq
	}
	if len(c.Embedding) > 0 {
		c.EmbedStatus = domain.EmbedStatusReady
	} else if c.EmbedStatus == "" {
		c.EmbedStatus = domain.EmbedStatusPending
	}
	m.chunks[c.ID] = &c
}

// Retire removes a chunk from the current set
func (m *Memory) Retire(chunkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, chunkID)
}

// MarkFailed records that a chunk could not be embedded
func (m *Memory) MarkFailed(chunkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chunks[chunkID]; ok {
		c.EmbedStatus = domain.EmbedStatusFailed
	}
}

// Upsert stores the vector of a registered chunk and marks it ready
func (m *Memory) Upsert(_ context.Context, chunkID string, vector []float32, corpus domain.Corpus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[chunkID]
	if !ok || c.Corpus != corpus {
		return fmt.Errorf("%w: %s", domain.ErrChunkNotFound, chunkID)
	}
	c.Embedding = append([]float32(nil), vector...)
	c.EmbedStatus = domain.EmbedStatusReady
	return nil
}

// Query ranks ready chunks of scope by cosine distance to vector
func (m *Memory) Query(_ context.Context, vector []float32, scope Scope, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := ownerSet(scope)
	var hits []Hit
	for _, c := range m.chunks {
		if c.Corpus != scope.Corpus || !owners[c.CorpusID] || c.EmbedStatus != domain.EmbedStatusReady {
			continue
		}
		hits = append(hits, Hit{ChunkID: c.ID, Seq: c.Seq, Distance: CosineDistance(vector, c.Embedding)})
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Readiness counts the chunks of scope by embedding state
func (m *Memory) Readiness(_ context.Context, scope Scope) (Readiness, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := ownerSet(scope)
	var r Readiness
	for _, c := range m.chunks {
		if c.Corpus != scope.Corpus || !owners[c.CorpusID] {
			continue
		}
		switch c.EmbedStatus {
		case domain.EmbedStatusReady:
			r.Ready++
		case domain.EmbedStatusFailed:
			r.Failed++
		default:
			r.Pending++
		}
	}
	return r, nil
}

// ListCurrent returns the current chunks of one owner ordered by source,
// start line and creation order.
func (m *Memory) ListCurrent(_ context.Context, corpus domain.Corpus, ownerID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Chunk
	for _, c := range m.chunks {
		if c.Corpus == corpus && c.CorpusID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].Locator.StartLine != out[j].Locator.StartLine {
			return out[i].Locator.StartLine < out[j].Locator.StartLine
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// GetByIDs returns the registered chunks among ids, in input order
func (m *Memory) GetByIDs(_ context.Context, ids []string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func ownerSet(scope Scope) map[string]bool {
	owners := make(map[string]bool, len(scope.OwnerIDs))
	for _, id := range scope.OwnerIDs {
		owners[id] = true
	}
	return owners
}

// Adjacent returns the code chunks of file immediately before and after the
// region starting at startLine.
func (m *Memory) Adjacent(ctx context.Context, repoID, file string, startLine int) ([]domain.Chunk, error) {
	chunks, err := m.ListCurrent(ctx, domain.CorpusCode, repoID)
	if err != nil {
		return nil, err
	}

	var prev, next *domain.Chunk
	for i := range chunks {
		c := &chunks[i]
		if c.SourceID != file {
			continue
		}
		switch {
		case c.Locator.StartLine < startLine:
			prev = c
		case c.Locator.StartLine > startLine && next == nil:
			next = c
		}
	}

	var out []domain.Chunk
	if prev != nil {
		out = append(out, *prev)
	}
	if next != nil {
		out = append(out, *next)
	}
	return out, nil
}
