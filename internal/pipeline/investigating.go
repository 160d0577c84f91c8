package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/llm"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// EvidenceSource loads chunk text for the reasoner
type EvidenceSource interface {
	GetByIDs(ctx context.Context, ids []string) ([]domain.Chunk, error)
	Adjacent(ctx context.Context, repoID, file string, startLine int) ([]domain.Chunk, error)
}

// InvestigatingConfig bounds reasoner fan-out and per-item retries
type InvestigatingConfig struct {
	Concurrency int
	// ItemAttempts is the number of reasoner calls per pair on transient errors.
	ItemAttempts    uint64
	InitialInterval time.Duration
}

// DefaultInvestigatingConfig returns the default fan-out settings
func DefaultInvestigatingConfig() InvestigatingConfig {
	return InvestigatingConfig{Concurrency: 4, ItemAttempts: 3, InitialInterval: 500 * time.Millisecond}
}

// Investigating gathers evidence for each kept pair and asks the reasoner
// whether the code implements the rule.
type Investigating struct {
	evidence   EvidenceSource
	reasoner   Reasoner
	cfg        InvestigatingConfig
	newBackOff func() backoff.BackOff
}

// NewInvestigating creates the investigating stage
func NewInvestigating(evidence EvidenceSource, reasoner Reasoner, cfg InvestigatingConfig) *Investigating {
	def := DefaultInvestigatingConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ItemAttempts == 0 {
		cfg.ItemAttempts = def.ItemAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	i := &Investigating{evidence: evidence, reasoner: reasoner, cfg: cfg}
	i.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = i.cfg.InitialInterval
		b.MaxElapsedTime = 0
		return b
	}
	return i
}

// Name returns the stage name
func (s *Investigating) Name() domain.Stage { return domain.StageInvestigating }

// Run produces one finding per kept pair, in pair order. A pair whose
// reasoning fails becomes an unknown finding; the stage fails only when
// every pair fails.
func (s *Investigating) Run(ctx context.Context, in Input) (domain.StageOutput, error) {
	nav, err := prior[domain.NavigatingOutput](in, domain.StageNavigating)
	if err != nil {
		return nil, err
	}
	plan, err := prior[domain.PlanningOutput](in, domain.StagePlanning)
	if err != nil {
		return nil, err
	}
	if len(nav.Kept) == 0 {
		return domain.InvestigatingOutput{Findings: []domain.Finding{}}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "Investigating.Run", telemetry.SpanAttributes{
		CaseID: in.Case.ID,
		RepoID: in.Case.RepoID,
		Stage:  string(domain.StageInvestigating),
	})
	defer span.End()

	texts, err := s.loadTexts(ctx, nav.Kept)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	constraints := make(map[string]domain.RuleConstraint, len(plan.Rules))
	for _, r := range plan.Rules {
		constraints[r.RuleChunkID] = r
	}

	findings := make([]domain.Finding, len(nav.Kept))
	errs := make([]error, len(nav.Kept))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, pair := range nav.Kept {
		g.Go(func() error {
			ev := llm.Evidence{
				Pair:     pair,
				CodeText: texts[pair.CodeChunkID],
				RuleText: texts[pair.RuleChunkID],
			}
			if rc, ok := constraints[pair.RuleChunkID]; ok {
				ev.Constraint = &rc
			}
			if adj, err := s.evidence.Adjacent(gctx, in.Case.RepoID, pair.File, pair.StartLine); err == nil {
				for _, c := range adj {
					ev.Neighbours = append(ev.Neighbours, c.Text)
				}
			} else {
				log.Debug().Err(err).Str("file", pair.File).Msg("investigating: no adjacent context")
			}

			findings[i], errs[i] = s.investigate(gctx, ev)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetError(err)
		return nil, err
	}

	failed := 0
	var last error
	for _, e := range errs {
		if e != nil {
			failed++
			last = e
		}
	}
	if failed == len(findings) {
		err := fmt.Errorf("all %d investigations failed: %w", failed, last)
		span.SetError(err)
		return nil, err
	}
	if failed > 0 {
		log.Warn().Str("case_id", in.Case.ID).Int("failed", failed).Int("total", len(findings)).
			Msg("investigating: some pairs could not be assessed")
	}
	return domain.InvestigatingOutput{Findings: findings}, nil
}

// investigate always returns a finding; err is set when the reasoner gave up.
func (s *Investigating) investigate(ctx context.Context, ev llm.Evidence) (domain.Finding, error) {
	var a *llm.Assessment
	op := func() error {
		var err error
		a, err = s.reasoner.Investigate(ctx, ev)
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.cfg.ItemAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.Finding{
			Pair:       ev.Pair,
			Status:     domain.FindingUnknown,
			Confidence: 0,
			Summary:    "assessment unavailable",
			Error:      err.Error(),
		}, err
	}
	return domain.Finding{
		Pair:           ev.Pair,
		Status:         a.Status,
		Confidence:     a.Confidence,
		Summary:        a.Summary,
		Recommendation: a.Recommendation,
	}, nil
}

func (s *Investigating) loadTexts(ctx context.Context, pairs []domain.CandidatePair) (map[string]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range pairs {
		for _, id := range []string{p.CodeChunkID, p.RuleChunkID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	chunks, err := s.evidence.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	texts := make(map[string]string, len(chunks))
	for _, c := range chunks {
		texts[c.ID] = c.Text
	}
	return texts, nil
}
