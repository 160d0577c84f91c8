package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/llm"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

// scriptedReasoner answers per code chunk id and counts calls.
type scriptedReasoner struct {
	mu      sync.Mutex
	calls   map[string]int
	answer  func(codeChunkID string, call int) (*llm.Assessment, error)
	refined func(rule domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error)
}

func (r *scriptedReasoner) Investigate(_ context.Context, ev llm.Evidence) (*llm.Assessment, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[ev.Pair.CodeChunkID]++
	n := r.calls[ev.Pair.CodeChunkID]
	r.mu.Unlock()
	return r.answer(ev.Pair.CodeChunkID, n)
}

func (r *scriptedReasoner) RefineConstraint(_ context.Context, rule domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error) {
	if r.refined == nil {
		return &base, nil
	}
	return r.refined(rule, base)
}

func (r *scriptedReasoner) callsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func evidenceIndex() *vectorindex.Memory {
	idx := vectorindex.NewMemory()
	for _, c := range []domain.Chunk{
		{ID: "code-a", Corpus: domain.CorpusCode, CorpusID: "repo-1", SourceID: "auth/login.go", Locator: domain.Locator{StartLine: 1, EndLine: 12}, Text: "func Login() {}", Embedding: []float32{1}},
		{ID: "code-b", Corpus: domain.CorpusCode, CorpusID: "repo-1", SourceID: "auth/login.go", Locator: domain.Locator{StartLine: 13, EndLine: 30}, Text: "func Logout() {}", Embedding: []float32{1}},
		{ID: "code-c", Corpus: domain.CorpusCode, CorpusID: "repo-1", SourceID: "billing/refund.go", Locator: domain.Locator{StartLine: 1, EndLine: 9}, Text: "func Refund() {}", Embedding: []float32{1}},
		{ID: "rule-1", Corpus: domain.CorpusRegulation, CorpusID: "gdpr", SourceID: "ver-1", Text: "Personal data shall be encrypted.", Embedding: []float32{1}},
	} {
		idx.Add(c)
	}
	return idx
}

func investigatingInput(codeIDs ...string) Input {
	files := map[string]domain.CandidatePair{
		"code-a": {CodeChunkID: "code-a", File: "auth/login.go", StartLine: 1, EndLine: 12},
		"code-b": {CodeChunkID: "code-b", File: "auth/login.go", StartLine: 13, EndLine: 30},
		"code-c": {CodeChunkID: "code-c", File: "billing/refund.go", StartLine: 1, EndLine: 9},
	}
	var kept []domain.CandidatePair
	for _, id := range codeIDs {
		p := files[id]
		p.RuleChunkID = "rule-1"
		p.RegulationID = "gdpr"
		kept = append(kept, p)
	}
	return Input{
		Case: &domain.AuditCase{ID: "case-1", RepoID: "repo-1", RegulationIDs: []string{"gdpr"}},
		Outputs: map[domain.Stage]domain.StageOutput{
			domain.StagePlanning: domain.PlanningOutput{
				Rules:      []domain.RuleConstraint{{RuleChunkID: "rule-1", Action: "encrypted"}},
				Candidates: kept,
			},
			domain.StageNavigating: domain.NavigatingOutput{Kept: kept},
		},
	}
}

func fastInvestigating(idx *vectorindex.Memory, r Reasoner) *Investigating {
	return NewInvestigating(idx, r, InvestigatingConfig{Concurrency: 2, ItemAttempts: 3, InitialInterval: time.Millisecond})
}

func TestInvestigating_OneFindingPerPairInOrder(t *testing.T) {
	r := &scriptedReasoner{answer: func(id string, _ int) (*llm.Assessment, error) {
		if id == "code-a" {
			return &llm.Assessment{Status: domain.FindingMissing, Confidence: 0.8, Summary: "plaintext"}, nil
		}
		return &llm.Assessment{Status: domain.FindingImplemented, Confidence: 0.9, Summary: "encrypted"}, nil
	}}

	out, err := fastInvestigating(evidenceIndex(), r).Run(context.Background(), investigatingInput("code-c", "code-a", "code-b"))
	require.NoError(t, err)

	findings := out.(domain.InvestigatingOutput).Findings
	require.Len(t, findings, 3)
	assert.Equal(t, "code-c", findings[0].Pair.CodeChunkID)
	assert.Equal(t, "code-a", findings[1].Pair.CodeChunkID)
	assert.Equal(t, domain.FindingMissing, findings[1].Status)
	assert.Equal(t, "code-b", findings[2].Pair.CodeChunkID)
}

func TestInvestigating_RetriesTransientPerItem(t *testing.T) {
	r := &scriptedReasoner{answer: func(id string, call int) (*llm.Assessment, error) {
		if id == "code-a" && call < 3 {
			return nil, fmt.Errorf("provider: %w", domain.ErrTransientProvider)
		}
		return &llm.Assessment{Status: domain.FindingPartial, Confidence: 0.5}, nil
	}}

	out, err := fastInvestigating(evidenceIndex(), r).Run(context.Background(), investigatingInput("code-a", "code-c"))
	require.NoError(t, err)

	findings := out.(domain.InvestigatingOutput).Findings
	assert.Equal(t, domain.FindingPartial, findings[0].Status)
	assert.Empty(t, findings[0].Error)
	assert.Equal(t, 3, r.callsFor("code-a"))
	assert.Equal(t, 1, r.callsFor("code-c"))
}

func TestInvestigating_FailedItemBecomesUnknown(t *testing.T) {
	r := &scriptedReasoner{answer: func(id string, _ int) (*llm.Assessment, error) {
		if id == "code-b" {
			return nil, domain.ErrUnparseableOutput
		}
		return &llm.Assessment{Status: domain.FindingImplemented, Confidence: 0.7}, nil
	}}

	out, err := fastInvestigating(evidenceIndex(), r).Run(context.Background(), investigatingInput("code-a", "code-b"))
	require.NoError(t, err)

	findings := out.(domain.InvestigatingOutput).Findings
	require.Len(t, findings, 2)
	assert.Equal(t, domain.FindingUnknown, findings[1].Status)
	assert.Contains(t, findings[1].Error, "could not be parsed")
	assert.Equal(t, 1, r.callsFor("code-b"), "permanent errors are not retried")
}

func TestInvestigating_AllItemsFailing(t *testing.T) {
	r := &scriptedReasoner{answer: func(string, int) (*llm.Assessment, error) {
		return nil, fmt.Errorf("provider: %w", domain.ErrTransientProvider)
	}}

	_, err := fastInvestigating(evidenceIndex(), r).Run(context.Background(), investigatingInput("code-a", "code-c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 investigations failed")
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 3, r.callsFor("code-a"))
}

func TestInvestigating_NoPairs(t *testing.T) {
	r := &scriptedReasoner{answer: func(string, int) (*llm.Assessment, error) {
		return nil, errors.New("must not be called")
	}}

	out, err := fastInvestigating(evidenceIndex(), r).Run(context.Background(), investigatingInput())
	require.NoError(t, err)
	assert.Empty(t, out.(domain.InvestigatingOutput).Findings)
}

func TestInvestigating_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReasoner{answer: func(string, int) (*llm.Assessment, error) {
		cancel()
		return nil, context.Canceled
	}}

	_, err := fastInvestigating(evidenceIndex(), r).Run(ctx, investigatingInput("code-a"))
	assert.ErrorIs(t, err, context.Canceled)
}
