package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

// RuleLoader resolves regulations and their active rule chunks
type RuleLoader interface {
	EnsureAll(ctx context.Context, regulationIDs []string) ([]*domain.Regulation, error)
	ActiveRules(ctx context.Context, regulationIDs []string) ([]domain.RuleChunk, error)
}

// ReadinessChecker reports embedding progress of index partitions
type ReadinessChecker interface {
	Readiness(ctx context.Context, scope vectorindex.Scope) (vectorindex.Readiness, error)
}

// CandidateProposer proposes candidate pairs by similarity
type CandidateProposer interface {
	Propose(ctx context.Context, repoID string, regulationIDs []string, topK int, threshold float64) ([]domain.CandidatePair, error)
}

// PlanningConfig tunes candidate generation
type PlanningConfig struct {
	TopK      int
	Threshold float64
	// RefineConstraints asks the reasoner to improve heuristic constraints.
	RefineConstraints bool
}

// DefaultPlanningConfig returns the default matcher settings
func DefaultPlanningConfig() PlanningConfig {
	return PlanningConfig{TopK: 5, Threshold: 0.35}
}

// Planning loads the active rules of the case and proposes candidates
type Planning struct {
	rules    RuleLoader
	index    ReadinessChecker
	matcher  CandidateProposer
	reasoner Reasoner
	cfg      PlanningConfig
}

// NewPlanning creates the planning stage. reasoner may be nil when
// constraints are not refined.
func NewPlanning(rules RuleLoader, index ReadinessChecker, matcher CandidateProposer, reasoner Reasoner, cfg PlanningConfig) *Planning {
	def := DefaultPlanningConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Planning{rules: rules, index: index, matcher: matcher, reasoner: reasoner, cfg: cfg}
}

// Name returns the stage name
func (p *Planning) Name() domain.Stage { return domain.StagePlanning }

// Run returns an empty output when the case has no active rules
func (p *Planning) Run(ctx context.Context, in Input) (domain.StageOutput, error) {
	c := in.Case

	if _, err := p.rules.EnsureAll(ctx, c.RegulationIDs); err != nil {
		return nil, fmt.Errorf("ensure regulations: %w", err)
	}
	rules, err := p.rules.ActiveRules(ctx, c.RegulationIDs)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		log.Info().Str("case_id", c.ID).Strs("regulation_ids", c.RegulationIDs).Msg("planning: no active rules")
		return domain.PlanningOutput{}, nil
	}

	for _, scope := range []vectorindex.Scope{
		{Corpus: domain.CorpusCode, OwnerIDs: []string{c.RepoID}},
		{Corpus: domain.CorpusRegulation, OwnerIDs: c.RegulationIDs},
	} {
		r, err := p.index.Readiness(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("index readiness: %w", err)
		}
		if !r.Complete() {
			return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientProvider,
				fmt.Sprintf("%s partition has %d chunks awaiting embedding", scope.Corpus, r.Pending), domain.ErrIndexNotReady)
		}
	}

	constraints := make([]domain.RuleConstraint, 0, len(rules))
	active := make(map[string]bool, len(rules))
	for _, rule := range rules {
		active[rule.ChunkID] = true
		rc := ExtractConstraint(rule)
		if p.cfg.RefineConstraints && p.reasoner != nil {
			refined, err := p.reasoner.RefineConstraint(ctx, rule, rc)
			switch {
			case err == nil:
				rc = *refined
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				log.Warn().Err(err).Str("rule_chunk_id", rule.ChunkID).Msg("planning: keeping heuristic constraint")
			}
		}
		constraints = append(constraints, rc)
	}

	candidates, err := p.matcher.Propose(ctx, c.RepoID, c.RegulationIDs, p.cfg.TopK, p.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("propose candidates: %w", err)
	}

	kept := make([]domain.CandidatePair, 0, len(candidates))
	for _, cp := range candidates {
		if active[cp.RuleChunkID] {
			kept = append(kept, cp)
		}
	}

	return domain.PlanningOutput{Rules: constraints, Candidates: kept}, nil
}
