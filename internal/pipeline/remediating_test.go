package pipeline

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

func remediatingInput(verdicts ...domain.Verdict) Input {
	return Input{
		Case: &domain.AuditCase{ID: "case-1", RepoID: "repo-1"},
		Outputs: map[domain.Stage]domain.StageOutput{
			domain.StageJudging: domain.JudgingOutput{Verdicts: verdicts},
		},
	}
}

func judgedLogin(t *testing.T) domain.Verdict {
	t.Helper()
	out, err := fixedJudging().Run(context.Background(), judgingInput(
		finding("code-a", "rule-2", "auth/login.go", 1, domain.FindingPartial, 0.5, "breach log exists", ""),
		finding("code-a", "rule-1", "auth/login.go", 1, domain.FindingMissing, 0.8, "passwords stored in plain text", "hash passwords with bcrypt"),
	))
	require.NoError(t, err)
	return out.(domain.JudgingOutput).Verdicts[0]
}

func TestRemediating_DraftsItemsForNonCompliant(t *testing.T) {
	login := judgedLogin(t)
	partial := domain.Verdict{ID: "v-partial", File: "billing/refund.go", Classification: domain.ClassificationPartial, Severity: domain.SeverityMedium}
	compliant := domain.Verdict{ID: "v-ok", File: "billing/invoice.go", Classification: domain.ClassificationCompliant}

	out, err := NewRemediating().Run(context.Background(), remediatingInput(login, partial, compliant))
	require.NoError(t, err)

	items := out.(domain.RemediatingOutput).Items
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, ItemID(login.ID), it.ID)
	assert.Equal(t, login.ID, it.VerdictID)
	assert.Equal(t, "Fix gdpr-art32 gap in auth/login.go:1", it.Title)
	assert.Equal(t, "auth/login.go", it.File)
	assert.Equal(t, domain.PriorityHigh, it.Priority)
	assert.False(t, it.Approved)
	assert.Empty(t, it.TicketID)
	require.NoError(t, domain.ValidateApprovalItem(&it))
}

func TestRemediating_Description(t *testing.T) {
	desc, err := Describe(judgedLogin(t))
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "login_description", []byte(desc))
}

func TestRemediating_NothingToFix(t *testing.T) {
	out, err := NewRemediating().Run(context.Background(), remediatingInput(
		domain.Verdict{ID: "v-ok", File: "a.go", Classification: domain.ClassificationCompliant},
	))
	require.NoError(t, err)
	assert.Empty(t, out.(domain.RemediatingOutput).Items)
}
