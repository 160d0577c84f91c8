// Package vectorindex defines the partitioned similarity index used by the
// matcher and an exact in-process implementation.
package vectorindex

import (
	"context"
	"math"
	"sort"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Scope restricts a query to partitions of one corpus. Listing several
// owners is the only way to cross partitions.
type Scope struct {
	Corpus   domain.Corpus
	OwnerIDs []string
}

// Hit is one ranked query result
type Hit struct {
	ChunkID  string
	Seq      int64
	Distance float64
}

// Readiness counts chunks of a scope by embedding state.
type Readiness struct {
	Ready   int
	Pending int
	Failed  int
}

// Complete reports whether no chunk of the scope is still awaiting embedding.
func (r Readiness) Complete() bool {
	return r.Pending == 0
}

// Index is a similarity index partitioned by corpus owner.
// Upserts may not be visible to queries immediately; use Readiness.
type Index interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, corpus domain.Corpus) error
	Query(ctx context.Context, vector []float32, scope Scope, k int) ([]Hit, error)
	Readiness(ctx context.Context, scope Scope) (Readiness, error)
}

// SortHits orders hits by distance, then by chunk creation order.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Seq < hits[j].Seq
	})
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
