// Package registry maps regulation ids to loaded, versioned regulation corpora.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/cloo-solutions/regaudit/internal/chunker"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/ingest"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// Store persists regulations and their version chain
type Store interface {
	GetRegulation(ctx context.Context, id string) (*domain.Regulation, error)
	ListRegulations(ctx context.Context) ([]*domain.Regulation, error)
	GetVersion(ctx context.Context, id string) (*domain.RegulationVersion, error)
	ListVersions(ctx context.Context, regulationID string) ([]*domain.RegulationVersion, error)
	// PublishVersion upserts reg and makes v its active version in one
	// transaction, setting superseded_by on the previous active version. When
	// the active version already carries v.ContentHash it is returned unchanged.
	PublishVersion(ctx context.Context, reg *domain.Regulation, v *domain.RegulationVersion) (active *domain.RegulationVersion, superseded *domain.RegulationVersion, err error)
	ActiveRuleChunks(ctx context.Context, regulationIDs []string) ([]domain.RuleChunk, error)
}

// Ingester records regulation text as chunks
type Ingester interface {
	IngestSource(ctx context.Context, in ingest.SourceInput) (*ingest.IngestResult, error)
}

// PublishResult describes the outcome of Publish
type PublishResult struct {
	Regulation *domain.Regulation
	Active     *domain.RegulationVersion
	Superseded *domain.RegulationVersion
	Changed    bool
}

// Registry ensures regulations are loaded exactly once per content version
type Registry struct {
	store    Store
	source   Source
	ingester Ingester
	uuidGen  domain.UUIDGenerator
	now      func() time.Time

	group  singleflight.Group
	loaded sync.Map // regulation id -> *domain.Regulation
}

// New creates a Registry
func New(store Store, source Source, ingester Ingester) *Registry {
	return NewWithUUIDGen(store, source, ingester, &domain.DefaultUUIDGenerator{})
}

// NewWithUUIDGen creates a Registry with custom UUID generator (for testing)
func NewWithUUIDGen(store Store, source Source, ingester Ingester, uuidGen domain.UUIDGenerator) *Registry {
	return &Registry{
		store:    store,
		source:   source,
		ingester: ingester,
		uuidGen:  uuidGen,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureLoaded returns the regulation, loading it from the source on first
// use. Concurrent callers for the same id share a single load.
func (r *Registry) EnsureLoaded(ctx context.Context, regulationID string) (*domain.Regulation, error) {
	if regulationID == "" {
		return nil, domain.ErrMissingRequiredField
	}
	if v, ok := r.loaded.Load(regulationID); ok {
		return v.(*domain.Regulation), nil
	}

	v, err, shared := r.group.Do(regulationID, func() (any, error) {
		reg, err := r.store.GetRegulation(ctx, regulationID)
		if err == nil && reg.ActiveVersionID != "" {
			return reg, nil
		}
		if err != nil && !errors.Is(err, domain.ErrRegulationNotFound) {
			return nil, fmt.Errorf("get regulation %s: %w", regulationID, err)
		}

		doc, err := r.source.Load(ctx, regulationID)
		if err != nil {
			return nil, err
		}
		res, err := r.Publish(ctx, doc)
		if err != nil {
			return nil, err
		}
		return res.Regulation, nil
	})
	if err != nil {
		return nil, err
	}

	reg := v.(*domain.Regulation)
	r.loaded.Store(regulationID, reg)
	if shared {
		log.Debug().Str("regulation_id", regulationID).Msg("registry: shared concurrent load")
	}
	return reg, nil
}

// EnsureAll loads every listed regulation
func (r *Registry) EnsureAll(ctx context.Context, regulationIDs []string) ([]*domain.Regulation, error) {
	out := make([]*domain.Regulation, 0, len(regulationIDs))
	for _, id := range regulationIDs {
		reg, err := r.EnsureLoaded(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// Publish records doc as the active version of its regulation. Identical
// content is a no-op; changed content supersedes the previous version.
func (r *Registry) Publish(ctx context.Context, doc *domain.RegulationDocument) (*PublishResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "Registry.Publish", telemetry.SpanAttributes{
		RegulationID: doc.ID,
		Operation:    "publish",
	})
	defer span.End()

	if err := domain.ValidateRegulationDocument(doc); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid regulation document", err)
	}

	now := r.now()
	hash := chunker.SourceHash(doc.Text)

	reg, err := r.store.GetRegulation(ctx, doc.ID)
	switch {
	case errors.Is(err, domain.ErrRegulationNotFound):
		reg = domain.NewRegulation(doc.ID, doc.Title, doc.IssuingBody, now)
	case err != nil:
		span.SetError(err)
		return nil, fmt.Errorf("get regulation %s: %w", doc.ID, err)
	default:
		reg.Title = doc.Title
		reg.IssuingBody = doc.IssuingBody
		reg.UpdatedAt = now
	}

	if reg.ActiveVersionID != "" {
		active, err := r.store.GetVersion(ctx, reg.ActiveVersionID)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("get active version: %w", err)
		}
		if active.ContentHash == hash {
			return &PublishResult{Regulation: reg, Active: active}, nil
		}
	}

	versions, err := r.store.ListVersions(ctx, doc.ID)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var number int64 = 1
	for _, v := range versions {
		if v.VersionNumber >= number {
			number = v.VersionNumber + 1
		}
	}

	version := domain.NewRegulationVersion(r.uuidGen.NewString(), doc.ID, number, hash, now)
	if err := domain.ValidateRegulationVersion(version); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid regulation version", err)
	}

	// Chunks are recorded under the version id before the version becomes
	// active, so a half-finished publish never exposes an empty corpus.
	if _, err := r.ingester.IngestSource(ctx, ingest.SourceInput{
		Corpus:      domain.CorpusRegulation,
		CorpusID:    doc.ID,
		SourceID:    version.ID,
		Text:        doc.Text,
		ContentHash: hash,
	}); err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("ingest regulation %s: %w", doc.ID, err)
	}

	active, superseded, err := r.store.PublishVersion(ctx, reg, version)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("publish regulation %s: %w", doc.ID, err)
	}
	reg.ActiveVersionID = active.ID
	r.loaded.Store(doc.ID, reg)

	event := log.Info().
		Str("regulation_id", doc.ID).
		Str("version_id", active.ID).
		Int64("version", active.VersionNumber)
	if superseded != nil {
		event = event.Str("superseded", superseded.ID)
	}
	event.Msg("registry: regulation published")

	return &PublishResult{
		Regulation: reg,
		Active:     active,
		Superseded: superseded,
		Changed:    active.ID == version.ID,
	}, nil
}

// ActiveRules returns the chunks of the active versions of regulationIDs
func (r *Registry) ActiveRules(ctx context.Context, regulationIDs []string) ([]domain.RuleChunk, error) {
	if len(regulationIDs) == 0 {
		return nil, nil
	}
	rules, err := r.store.ActiveRuleChunks(ctx, regulationIDs)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	return rules, nil
}

// History returns the version chain of a regulation from its first version
// forward through superseded_by links.
func (r *Registry) History(ctx context.Context, regulationID string) ([]*domain.RegulationVersion, error) {
	versions, err := r.store.ListVersions(ctx, regulationID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRegulationNotFound, regulationID)
	}

	first := versions[0]
	for _, v := range versions[1:] {
		if v.VersionNumber < first.VersionNumber {
			first = v
		}
	}
	return domain.WalkSupersededChain(first, func(id string) (*domain.RegulationVersion, error) {
		return r.store.GetVersion(ctx, id)
	})
}

// List returns all registered regulations
func (r *Registry) List(ctx context.Context) ([]*domain.Regulation, error) {
	return r.store.ListRegulations(ctx)
}

// Available lists the regulation ids the source can load
func (r *Registry) Available(ctx context.Context) ([]string, error) {
	return r.source.IDs(ctx)
}
