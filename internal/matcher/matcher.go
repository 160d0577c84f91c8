// Package matcher proposes (code chunk, rule chunk) candidate pairs by
// vector similarity.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

// ChunkSource lists current chunks of a corpus partition and resolves chunk ids
type ChunkSource interface {
	ListCurrent(ctx context.Context, corpus domain.Corpus, ownerID string) ([]domain.Chunk, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Chunk, error)
}

// Matcher queries the index for every code chunk of a repository
type Matcher struct {
	index  vectorindex.Index
	chunks ChunkSource
}

// New creates a Matcher
func New(index vectorindex.Index, chunks ChunkSource) *Matcher {
	return &Matcher{index: index, chunks: chunks}
}

// Propose returns candidate pairs whose cosine distance is below threshold,
// at most topK per code chunk. Pairs follow code chunk order, then distance,
// then rule chunk id. Code chunks without an embedding are skipped.
func (m *Matcher) Propose(ctx context.Context, repoID string, regulationIDs []string, topK int, threshold float64) ([]domain.CandidatePair, error) {
	ctx, span := telemetry.StartSpan(ctx, "Matcher.Propose", telemetry.SpanAttributes{
		RepoID:    repoID,
		Operation: "propose",
	})
	defer span.End()

	if topK <= 0 || len(regulationIDs) == 0 {
		return nil, nil
	}

	code, err := m.chunks.ListCurrent(ctx, domain.CorpusCode, repoID)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("list code chunks: %w", err)
	}

	scope := vectorindex.Scope{Corpus: domain.CorpusRegulation, OwnerIDs: regulationIDs}

	rules := make(map[string]domain.Chunk)
	var pairs []domain.CandidatePair
	skipped := 0

	for _, c := range code {
		if c.EmbedStatus != domain.EmbedStatusReady || len(c.Embedding) == 0 {
			skipped++
			continue
		}

		hits, err := m.queryThroughTies(ctx, c.Embedding, scope, topK, threshold)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("query index for chunk %s: %w", c.ID, err)
		}

		kept := hits[:0]
		for _, h := range hits {
			if h.Distance < threshold {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			continue
		}
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].Distance != kept[j].Distance {
				return kept[i].Distance < kept[j].Distance
			}
			return kept[i].ChunkID < kept[j].ChunkID
		})
		if len(kept) > topK {
			kept = kept[:topK]
		}

		if err := m.resolveRules(ctx, kept, rules); err != nil {
			span.SetError(err)
			return nil, err
		}

		for _, h := range kept {
			rule, ok := rules[h.ChunkID]
			if !ok {
				continue
			}
			pairs = append(pairs, domain.CandidatePair{
				CodeChunkID:  c.ID,
				RuleChunkID:  h.ChunkID,
				RegulationID: rule.CorpusID,
				Distance:     h.Distance,
				File:         c.SourceID,
				StartLine:    c.Locator.StartLine,
				EndLine:      c.Locator.EndLine,
				RuleSection:  rule.Locator.Section,
			})
		}
	}

	log.Debug().
		Str("repo_id", repoID).
		Int("code_chunks", len(code)).
		Int("skipped", skipped).
		Int("pairs", len(pairs)).
		Msg("matcher: proposed candidates")

	return pairs, nil
}

// queryThroughTies returns at least the topK nearest hits plus every hit
// tying with the topK-th distance. The index breaks ties by creation order,
// so the query widens until the tie at the cut is complete and the rule
// chunk id order can be applied to all of it.
func (m *Matcher) queryThroughTies(ctx context.Context, vector []float32, scope vectorindex.Scope, topK int, threshold float64) ([]vectorindex.Hit, error) {
	k := topK*2 + 4
	for {
		hits, err := m.index.Query(ctx, vector, scope, k)
		if err != nil {
			return nil, err
		}
		if len(hits) < k {
			return hits, nil
		}
		last := hits[len(hits)-1].Distance
		if last >= threshold || last > hits[topK-1].Distance {
			return hits, nil
		}
		k *= 2
	}
}

func (m *Matcher) resolveRules(ctx context.Context, hits []vectorindex.Hit, rules map[string]domain.Chunk) error {
	var missing []string
	for _, h := range hits {
		if _, ok := rules[h.ChunkID]; !ok {
			missing = append(missing, h.ChunkID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	found, err := m.chunks.GetByIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("resolve rule chunks: %w", err)
	}
	for _, c := range found {
		rules[c.ID] = c
	}
	return nil
}
