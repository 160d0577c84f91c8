package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

func evidence() Evidence {
	return Evidence{
		Pair: domain.CandidatePair{
			CodeChunkID:  "code-a",
			RuleChunkID:  "rule-1",
			RegulationID: "gdpr-art32",
			File:         "store/users.go",
			StartLine:    10,
			EndLine:      24,
			RuleSection:  "1.1 Personal data shall be protected",
		},
		CodeText: "func SaveUser(u User) error { return db.Insert(u.Email, u.Password) }",
		RuleText: "Personal data shall be encrypted at rest.",
		Constraint: &domain.RuleConstraint{
			Actor:    "controller",
			Action:   "encrypt",
			Object:   "personal data",
			Keywords: []string{"encrypt", "personal data"},
		},
	}
}

func TestInvestigate_ParsesAnswers(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		wantStatus domain.FindingStatus
		wantConf   float64
		wantErr    bool
	}{
		{
			name:       "plain json",
			answer:     `{"status": "missing", "confidence": 0.92, "summary": "no encryption", "recommendation": "encrypt email"}`,
			wantStatus: domain.FindingMissing,
			wantConf:   0.92,
		},
		{
			name:       "fenced with prose",
			answer:     "Here is my answer:\n```json\n{\"status\": \"partial\", \"confidence\": 0.5, \"summary\": \"hashing only\"}\n```",
			wantStatus: domain.FindingPartial,
			wantConf:   0.5,
		},
		{
			name:       "trailing comma repaired",
			answer:     `{"status": "implemented", "confidence": 0.8, "summary": "uses kms",}`,
			wantStatus: domain.FindingImplemented,
			wantConf:   0.8,
		},
		{
			name:       "percent confidence and alias status",
			answer:     `{"status": "NOT_IMPLEMENTED", "confidence": 75, "summary": "plaintext"}`,
			wantStatus: domain.FindingMissing,
			wantConf:   0.75,
		},
		{
			name:    "unknown status value",
			answer:  `{"status": "maybe", "confidence": 0.3}`,
			wantErr: true,
		},
		{
			name:    "not json at all",
			answer:  "I cannot help with that.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWithGenerator(func(context.Context, string) (string, error) {
				return tt.answer, nil
			}, "test-model")

			got, err := c.Investigate(context.Background(), evidence())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrUnparseableOutput)
				assert.True(t, domain.IsPermanentInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
		})
	}
}

func TestInvestigate_PromptCarriesEvidence(t *testing.T) {
	var prompt string
	c := NewWithGenerator(func(_ context.Context, p string) (string, error) {
		prompt = p
		return `{"status": "unknown", "confidence": 0}`, nil
	}, "test-model")

	_, err := c.Investigate(context.Background(), evidence())
	require.NoError(t, err)

	assert.Contains(t, prompt, "store/users.go lines 10-24")
	assert.Contains(t, prompt, "Personal data shall be encrypted at rest.")
	assert.Contains(t, prompt, "keywords: encrypt, personal data")
	assert.Contains(t, prompt, "func SaveUser")
}

func TestInvestigate_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "rate limited", err: errors.New("API returned unexpected status code: 429: Rate limit reached"), wantTransient: true},
		{name: "server error", err: errors.New("API returned unexpected status code: 503: overloaded"), wantTransient: true},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), wantTransient: true},
		{name: "bad request", err: errors.New("API returned unexpected status code: 400: invalid model"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWithGenerator(func(context.Context, string) (string, error) {
				return "", tt.err
			}, "test-model")

			_, err := c.Investigate(context.Background(), evidence())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, domain.IsTransient(err))
		})
	}
}

func TestClassify_PassesCancellationThrough(t *testing.T) {
	err := Classify(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsTransient(err))
	assert.NoError(t, Classify(nil))
}

func TestRefineConstraint_KeepsHeuristicFields(t *testing.T) {
	c := NewWithGenerator(func(context.Context, string) (string, error) {
		return `{"actor": "", "action": "encrypt", "object": "personal data at rest", "keywords": ["encrypt", "aes"]}`, nil
	}, "test-model")

	base := domain.RuleConstraint{RuleChunkID: "rule-1", Actor: "controller", Action: "protect", Object: "data"}
	got, err := c.RefineConstraint(context.Background(), domain.RuleChunk{ChunkID: "rule-1", Text: "..."}, base)
	require.NoError(t, err)

	assert.Equal(t, "controller", got.Actor)
	assert.Equal(t, "encrypt", got.Action)
	assert.Equal(t, "personal data at rest", got.Object)
	assert.Equal(t, []string{"encrypt", "aes"}, got.Keywords)
	assert.Equal(t, "rule-1", got.RuleChunkID)
}

func TestOffline(t *testing.T) {
	var r Offline
	ev := evidence()

	got, err := r.Investigate(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.FindingUnknown, got.Status)

	ev.CodeText = "func SaveUser(u User) error { return db.Insert(encrypt(u.Email)) }"
	got, err = r.Investigate(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.FindingPartial, got.Status)
	assert.Contains(t, got.Summary, "encrypt")
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(Config{})
	assert.EqualError(t, err, "llm: API key is required")
}
