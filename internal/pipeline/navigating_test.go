package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{file: "internal/auth/login.go", want: ""},
		{file: "config/app.yaml", want: ""},
		{file: "README.md", want: ReasonDocumentation},
		{file: "docs/setup/index.html", want: ReasonDocumentation},
		{file: "internal/auth/login_test.go", want: ReasonTest},
		{file: "web/src/login.spec.ts", want: ReasonTest},
		{file: "internal/auth/testdata/users.json", want: ReasonTest},
		{file: "vendor/github.com/lib/pq/conn.go", want: ReasonVendored},
		{file: "web/node_modules/left-pad/index.js", want: ReasonVendored},
		{file: "api/user.pb.go", want: ReasonGenerated},
		{file: "static/app.min.js", want: ReasonGenerated},
		{file: "go.sum", want: ReasonLockFile},
		{file: "web/package-lock.json", want: ReasonLockFile},
		{file: "web/public/logo.svg", want: ReasonAsset},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPath(tt.file))
		})
	}
}

func TestNavigating_Run(t *testing.T) {
	pair := func(code, rule, file string) domain.CandidatePair {
		return domain.CandidatePair{CodeChunkID: code, RuleChunkID: rule, RegulationID: "gdpr", File: file, StartLine: 1, EndLine: 10}
	}
	plan := domain.PlanningOutput{
		Rules: []domain.RuleConstraint{
			{RuleChunkID: "rule-1", Action: "encrypt", Keywords: []string{"encrypt"}},
			{RuleChunkID: "rule-empty"},
		},
		Candidates: []domain.CandidatePair{
			pair("c1", "rule-1", "store/users.go"),
			pair("c1", "rule-1", "store/users.go"),
			pair("c2", "rule-1", "store/users_test.go"),
			pair("c3", "rule-empty", "store/orders.go"),
			pair("c4", "rule-1", "docs/security.md"),
		},
	}
	in := Input{
		Case:    &domain.AuditCase{ID: "case-1", RepoID: "repo-1"},
		Outputs: map[domain.Stage]domain.StageOutput{domain.StagePlanning: plan},
	}

	out, err := NewNavigating().Run(context.Background(), in)
	require.NoError(t, err)
	nav := out.(domain.NavigatingOutput)

	require.Len(t, nav.Kept, 1)
	assert.Equal(t, "c1", nav.Kept[0].CodeChunkID)

	reasons := make([]string, 0, len(nav.Discarded))
	for _, d := range nav.Discarded {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []string{ReasonDuplicate, ReasonTest, ReasonNoConstraint, ReasonDocumentation}, reasons)
	assert.Equal(t, len(plan.Candidates), len(nav.Kept)+len(nav.Discarded))
}

func TestNavigating_RequiresPlanning(t *testing.T) {
	_, err := NewNavigating().Run(context.Background(), Input{Case: &domain.AuditCase{ID: "case-1"}})
	assert.ErrorIs(t, err, domain.ErrStageOutOfOrder)
}
