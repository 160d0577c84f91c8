// Package embedder turns chunks into vectors through a cached, rate-limited
// provider gateway.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// ErrMissingHash is returned for items submitted without a content hash.
var ErrMissingHash = domain.NewDomainError(domain.ErrCodePermanentInput, "chunk has no content hash")

// Provider generates embeddings for a batch of texts, in input order
type Provider interface {
	Model() string
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache is the durable content-hash keyed embedding store
type Cache interface {
	GetMany(ctx context.Context, model string, hashes []string) (map[string][]float32, error)
	PutMany(ctx context.Context, model string, vectors map[string][]float32) error
}

// Config controls batching, parallelism, rate limiting and retries.
type Config struct {
	BatchSize       int
	Concurrency     int
	RatePerSecond   float64
	Burst           int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig provides sane defaults for the gateway.
func DefaultConfig() Config {
	return Config{
		BatchSize:       64,
		Concurrency:     4,
		RatePerSecond:   5,
		Burst:           5,
		MaxRetries:      4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// ItemResult is the outcome for one submitted chunk.
type ItemResult struct {
	ChunkID     string
	ContentHash string
	Vector      []float32
	Cached      bool
	Err         error
}

// Result holds per-item outcomes in submission order.
type Result struct {
	Items         []ItemResult
	CacheHits     int
	ProviderCalls int
}

// Failed returns the indices of items that were not embedded
func (r *Result) Failed() []int {
	var out []int
	for i, it := range r.Items {
		if it.Err != nil {
			out = append(out, i)
		}
	}
	return out
}

// Option configures a Gateway
type Option func(*Gateway)

// WithBackOff replaces the retry policy factory
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(g *Gateway) { g.newBackOff = fn }
}

// WithLimiter replaces the global token bucket
func WithLimiter(l *rate.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// Gateway fronts the embedding provider with a durable cache, a global
// token bucket and bounded parallelism.
type Gateway struct {
	provider   Provider
	cache      Cache
	limiter    *rate.Limiter
	cfg        Config
	newBackOff func() backoff.BackOff
}

// NewGateway creates a Gateway
func NewGateway(provider Provider, cache Cache, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}

	g := &Gateway{
		provider: provider,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:      cfg,
	}
	g.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = g.cfg.InitialInterval
		b.MaxInterval = g.cfg.MaxInterval
		b.RandomizationFactor = 0.5
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model returns the provider model name
func (g *Gateway) Model() string {
	return g.provider.Model()
}

type pending struct {
	hash string
	text string
}

// Embed returns a vector per chunk. Cache hits never reach the provider and
// identical content within the batch is embedded once. When only some items
// fail the error is *PartialBatchFailure; when all fail it is the last item error.
func (g *Gateway) Embed(ctx context.Context, batch []domain.Chunk) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "Embedder.Embed", telemetry.SpanAttributes{
		Operation: "embed",
	})
	defer span.End()

	res := &Result{Items: make([]ItemResult, len(batch))}
	if len(batch) == 0 {
		return res, nil
	}

	model := g.provider.Model()
	var hashes []string
	seen := make(map[string]bool)
	for i, c := range batch {
		res.Items[i] = ItemResult{ChunkID: c.ID, ContentHash: c.ContentHash}
		if c.ContentHash == "" {
			res.Items[i].Err = ErrMissingHash
			continue
		}
		if !seen[c.ContentHash] {
			seen[c.ContentHash] = true
			hashes = append(hashes, c.ContentHash)
		}
	}

	cached, err := g.cache.GetMany(ctx, model, hashes)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("embedding cache lookup: %w", err)
	}

	var misses []pending
	queued := make(map[string]bool)
	for _, c := range batch {
		if c.ContentHash == "" || queued[c.ContentHash] {
			continue
		}
		if _, ok := cached[c.ContentHash]; ok {
			continue
		}
		queued[c.ContentHash] = true
		misses = append(misses, pending{hash: c.ContentHash, text: c.Text})
	}

	var (
		mu      sync.Mutex
		fresh   = make(map[string][]float32)
		failed  = make(map[string]error)
		calls   atomic.Int64
		grp     errgroup.Group
		groupFn func(items []pending)
	)

	groupFn = func(items []pending) {
		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = it.text
		}

		vectors, err := g.callWithRetry(ctx, texts, &calls)
		if err == nil {
			mu.Lock()
			for i, it := range items {
				fresh[it.hash] = vectors[i]
			}
			mu.Unlock()
			return
		}

		if len(items) > 1 && !domain.IsTransient(err) && ctx.Err() == nil {
			mid := len(items) / 2
			groupFn(items[:mid])
			groupFn(items[mid:])
			return
		}

		mu.Lock()
		for _, it := range items {
			failed[it.hash] = err
		}
		mu.Unlock()
	}

	grp.SetLimit(g.cfg.Concurrency)
	for start := 0; start < len(misses); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(misses))
		items := misses[start:end]
		grp.Go(func() error {
			groupFn(items)
			return nil
		})
	}
	_ = grp.Wait()
	res.ProviderCalls = int(calls.Load())

	// vectors the provider returned are kept even when the caller gave up
	if len(fresh) > 0 {
		if err := g.cache.PutMany(context.WithoutCancel(ctx), model, fresh); err != nil {
			log.Warn().Err(err).Int("vectors", len(fresh)).Msg("embedder: failed to write cache")
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		failedIdx []int
		errs      []error
	)
	for i := range res.Items {
		it := &res.Items[i]
		if it.Err != nil {
			failedIdx = append(failedIdx, i)
			errs = append(errs, it.Err)
			continue
		}
		if v, ok := cached[it.ContentHash]; ok {
			it.Vector = v
			it.Cached = true
			res.CacheHits++
			continue
		}
		if v, ok := fresh[it.ContentHash]; ok {
			it.Vector = v
			continue
		}
		it.Err = failed[it.ContentHash]
		if it.Err == nil {
			it.Err = &ProviderError{Err: errors.New("no embedding produced")}
		}
		failedIdx = append(failedIdx, i)
		errs = append(errs, it.Err)
	}

	switch {
	case len(failedIdx) == 0:
		return res, nil
	case len(failedIdx) == len(res.Items):
		err := errs[len(errs)-1]
		span.SetError(err)
		return res, err
	default:
		return res, &PartialBatchFailure{Total: len(res.Items), Failed: failedIdx, Errs: errs}
	}
}

// callWithRetry submits one provider request through the token bucket,
// retrying transient failures with jittered exponential backoff.
func (g *Gateway) callWithRetry(ctx context.Context, texts []string, calls *atomic.Int64) ([][]float32, error) {
	var vectors [][]float32
	hinted := &retryAfterBackOff{BackOff: g.newBackOff()}
	op := func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		calls.Add(1)
		v, err := g.provider.EmbedBatch(ctx, texts)
		if err != nil {
			var limited *RateLimitedError
			if errors.As(err, &limited) {
				hinted.floor = limited.RetryAfter
			}
			if domain.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(v) != len(texts) {
			return &ProviderError{Temporary: true, Err: fmt.Errorf("got %d vectors for %d texts", len(v), len(texts))}
		}
		vectors = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, g.cfg.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("items", len(texts)).Dur("wait", wait).Msg("embedder: provider call failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return vectors, nil
}

// retryAfterBackOff waits at least the provider's Retry-After hint before
// the attempt that follows a throttled call.
type retryAfterBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.floor > next {
		next = b.floor
	}
	b.floor = 0
	return next
}
