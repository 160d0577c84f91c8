package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

type fakeRules struct {
	rules     []domain.RuleChunk
	ensureErr error
	ensured   []string
}

func (f *fakeRules) EnsureAll(_ context.Context, ids []string) ([]*domain.Regulation, error) {
	f.ensured = append(f.ensured, ids...)
	return nil, f.ensureErr
}

func (f *fakeRules) ActiveRules(context.Context, []string) ([]domain.RuleChunk, error) {
	return f.rules, nil
}

type fakeProposer struct {
	pairs []domain.CandidatePair
	calls int
	topK  int
}

func (f *fakeProposer) Propose(_ context.Context, _ string, _ []string, topK int, _ float64) ([]domain.CandidatePair, error) {
	f.calls++
	f.topK = topK
	return f.pairs, nil
}

func readyIndex() *vectorindex.Memory {
	idx := vectorindex.NewMemory()
	idx.Add(domain.Chunk{ID: "code-a", Corpus: domain.CorpusCode, CorpusID: "repo-1", SourceID: "a.go", Embedding: []float32{1}})
	idx.Add(domain.Chunk{ID: "rule-1", Corpus: domain.CorpusRegulation, CorpusID: "gdpr", SourceID: "ver-1", Embedding: []float32{1}})
	return idx
}

func planningInput() Input {
	return Input{Case: &domain.AuditCase{ID: "case-1", RepoID: "repo-1", RegulationIDs: []string{"gdpr"}}}
}

var activeRule = domain.RuleChunk{ChunkID: "rule-1", RegulationID: "gdpr", VersionID: "ver-1", Section: "1.1", Text: "The controller shall encrypt personal data."}

func TestPlanning_ProposesForActiveRules(t *testing.T) {
	rules := &fakeRules{rules: []domain.RuleChunk{activeRule}}
	proposer := &fakeProposer{pairs: []domain.CandidatePair{
		{CodeChunkID: "code-a", RuleChunkID: "rule-1", RegulationID: "gdpr"},
		{CodeChunkID: "code-a", RuleChunkID: "rule-superseded", RegulationID: "gdpr"},
	}}

	out, err := NewPlanning(rules, readyIndex(), proposer, nil, PlanningConfig{}).Run(context.Background(), planningInput())
	require.NoError(t, err)

	plan := out.(domain.PlanningOutput)
	require.Len(t, plan.Rules, 1)
	assert.Equal(t, "controller", plan.Rules[0].Actor)
	assert.Equal(t, "encrypt", plan.Rules[0].Action)
	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, "rule-1", plan.Candidates[0].RuleChunkID)
	assert.Equal(t, []string{"gdpr"}, rules.ensured)
	assert.Equal(t, DefaultPlanningConfig().TopK, proposer.topK)
}

func TestPlanning_NoActiveRules(t *testing.T) {
	proposer := &fakeProposer{}

	out, err := NewPlanning(&fakeRules{}, readyIndex(), proposer, nil, PlanningConfig{}).Run(context.Background(), planningInput())
	require.NoError(t, err)

	plan := out.(domain.PlanningOutput)
	assert.Empty(t, plan.Rules)
	assert.Empty(t, plan.Candidates)
	assert.Zero(t, proposer.calls)
}

func TestPlanning_IndexNotReady(t *testing.T) {
	idx := readyIndex()
	idx.Add(domain.Chunk{ID: "code-pending", Corpus: domain.CorpusCode, CorpusID: "repo-1", SourceID: "b.go"})
	proposer := &fakeProposer{}

	_, err := NewPlanning(&fakeRules{rules: []domain.RuleChunk{activeRule}}, idx, proposer, nil, PlanningConfig{}).
		Run(context.Background(), planningInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)
	assert.True(t, domain.IsTransient(err))
	assert.Zero(t, proposer.calls)
}

func TestPlanning_EnsureFails(t *testing.T) {
	rules := &fakeRules{ensureErr: domain.ErrRegulationNotFound}

	_, err := NewPlanning(rules, readyIndex(), &fakeProposer{}, nil, PlanningConfig{}).Run(context.Background(), planningInput())
	assert.ErrorIs(t, err, domain.ErrRegulationNotFound)
}

func TestPlanning_RefineFailureKeepsHeuristic(t *testing.T) {
	r := &scriptedReasoner{refined: func(domain.RuleChunk, domain.RuleConstraint) (*domain.RuleConstraint, error) {
		return nil, errors.New("model unavailable")
	}}

	out, err := NewPlanning(&fakeRules{rules: []domain.RuleChunk{activeRule}}, readyIndex(), &fakeProposer{}, r,
		PlanningConfig{RefineConstraints: true}).Run(context.Background(), planningInput())
	require.NoError(t, err)
	assert.Equal(t, "encrypt", out.(domain.PlanningOutput).Rules[0].Action)
}

func TestPlanning_RefineReplacesConstraint(t *testing.T) {
	r := &scriptedReasoner{refined: func(_ domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error) {
		base.Object = "personal data at rest"
		return &base, nil
	}}

	out, err := NewPlanning(&fakeRules{rules: []domain.RuleChunk{activeRule}}, readyIndex(), &fakeProposer{}, r,
		PlanningConfig{RefineConstraints: true}).Run(context.Background(), planningInput())
	require.NoError(t, err)
	assert.Equal(t, "personal data at rest", out.(domain.PlanningOutput).Rules[0].Object)
}
