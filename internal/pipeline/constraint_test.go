package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

func TestExtractConstraint(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantActor     string
		wantAction    string
		wantObject    string
		wantCondition string
	}{
		{
			name:       "numbered requirement",
			text:       "8.3 The system shall secure all authentication factors using strong cryptography.",
			wantActor:  "system",
			wantAction: "secure",
			wantObject: "authentication factors using strong cryptography",
		},
		{
			name:       "passive voice skips be",
			text:       "Personal data must be encrypted at rest.",
			wantActor:  "Personal data",
			wantAction: "encrypted",
			wantObject: "at rest",
		},
		{
			name:       "negative modal",
			text:       "8.6 Application accounts shall not embed credentials in source code.",
			wantActor:  "Application accounts",
			wantAction: "not embed",
			wantObject: "credentials in source code",
		},
		{
			name:          "condition clause",
			text:          "The controller shall notify the authority when a breach is detected.",
			wantActor:     "controller",
			wantAction:    "notify",
			wantObject:    "authority when a breach is detected",
			wantCondition: "when a breach is detected",
		},
		{
			name: "no modal verb",
			text: "Definitions used in this chapter.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractConstraint(domain.RuleChunk{ChunkID: "rule-1", RegulationID: "pci", Section: "8.3", Text: tt.text})

			assert.Equal(t, tt.wantActor, got.Actor)
			assert.Equal(t, tt.wantAction, got.Action)
			assert.Equal(t, tt.wantObject, got.Object)
			assert.Equal(t, tt.wantCondition, got.Condition)
			assert.Equal(t, "rule-1", got.RuleChunkID)
			assert.Equal(t, "pci", got.RegulationID)
			assert.Equal(t, tt.text, got.Text)
		})
	}
}

func TestExtractConstraint_KeywordsByFrequency(t *testing.T) {
	got := ExtractConstraint(domain.RuleChunk{
		ChunkID: "rule-1",
		Text:    "Passwords shall be hashed. Stored passwords and password hints shall never be logged.",
	})

	assert.Equal(t, []string{"passwords", "hashed", "stored", "password", "hints", "never", "logged"}, got.Keywords)
}
