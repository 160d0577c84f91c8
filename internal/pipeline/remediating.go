package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

var descriptionTemplate = template.Must(template.New("description").Funcs(template.FuncMap{"join": strings.Join}).Parse(`Compliance gap in {{.File}} (lines {{.StartLine}}-{{.EndLine}}).

Severity: {{.Severity}}
Regulations: {{join .RegulationIDs ", "}}
Rules: {{join .RuleChunkIDs ", "}}

Findings:
{{.Explanation}}
{{- if .Remediation}}

Suggested remediation:
{{.Remediation}}
{{- end}}
`))

// Remediating drafts one approval item per non-compliant verdict
type Remediating struct{}

// NewRemediating creates the remediating stage
func NewRemediating() *Remediating { return &Remediating{} }

// Name returns the stage name
func (r *Remediating) Name() domain.Stage { return domain.StageRemediating }

// ItemID derives a stable approval item id from its verdict
func ItemID(verdictID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("regaudit:item:"+verdictID)).String()
}

// Run returns no items when every verdict is compliant, partial or unknown
func (r *Remediating) Run(_ context.Context, in Input) (domain.StageOutput, error) {
	judged, err := prior[domain.JudgingOutput](in, domain.StageJudging)
	if err != nil {
		return nil, err
	}

	items := []domain.ApprovalItem{}
	for _, v := range judged.Verdicts {
		if v.Classification != domain.ClassificationNonCompliant {
			continue
		}
		desc, err := Describe(v)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.ApprovalItem{
			ID:          ItemID(v.ID),
			VerdictID:   v.ID,
			Title:       Title(v),
			Description: desc,
			File:        v.File,
			Priority:    domain.PriorityForSeverity(v.Severity),
		})
	}
	return domain.RemediatingOutput{Items: items}, nil
}

// Title summarises a verdict in one line
func Title(v domain.Verdict) string {
	regs := strings.Join(v.RegulationIDs, ", ")
	if regs == "" {
		regs = "compliance"
	}
	return fmt.Sprintf("Fix %s gap in %s:%d", regs, v.File, v.StartLine)
}

// Describe renders the ticket body of a verdict
func Describe(v domain.Verdict) (string, error) {
	var buf bytes.Buffer
	if err := descriptionTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render description for verdict %s: %w", v.ID, err)
	}
	return buf.String(), nil
}
