package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// CriticalConfidence is the confidence at which a missing control is critical.
const CriticalConfidence = 0.9

// Judging aggregates findings per code region into verdicts
type Judging struct {
	now func() time.Time
}

// JudgingOption configures the judging stage
type JudgingOption func(*Judging)

// WithJudgingClock sets the time source used when the input carries no
// stage entry time
func WithJudgingClock(now func() time.Time) JudgingOption {
	return func(j *Judging) { j.now = now }
}

// NewJudging creates the judging stage. Verdicts are stamped with the
// stage entry time of the input, so retried attempts produce identical output.
func NewJudging(opts ...JudgingOption) *Judging {
	j := &Judging{now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Name returns the stage name
func (j *Judging) Name() domain.Stage { return domain.StageJudging }

// Judge maps one finding onto a classification and severity
func Judge(f domain.Finding) (domain.Classification, domain.Severity) {
	switch f.Status {
	case domain.FindingMissing:
		if f.Confidence >= CriticalConfidence {
			return domain.ClassificationNonCompliant, domain.SeverityCritical
		}
		return domain.ClassificationNonCompliant, domain.SeverityHigh
	case domain.FindingPartial:
		return domain.ClassificationPartial, domain.SeverityMedium
	case domain.FindingImplemented:
		return domain.ClassificationCompliant, domain.SeverityNone
	}
	return domain.ClassificationUnknown, domain.SeverityLow
}

// classificationRank orders classifications for aggregation
func classificationRank(c domain.Classification) int {
	switch c {
	case domain.ClassificationNonCompliant:
		return 3
	case domain.ClassificationPartial:
		return 2
	case domain.ClassificationUnknown:
		return 1
	}
	return 0
}

// VerdictID derives a stable verdict id for a code region of a case
func VerdictID(caseID, file string, start, end int) string {
	name := fmt.Sprintf("regaudit:verdict:%s:%s:%d-%d", caseID, file, start, end)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

type region struct {
	file       string
	start, end int
}

// Run groups findings by file region. The most severe finding decides
// the region's severity and primary rule.
func (j *Judging) Run(_ context.Context, in Input) (domain.StageOutput, error) {
	inv, err := prior[domain.InvestigatingOutput](in, domain.StageInvestigating)
	if err != nil {
		return nil, err
	}

	groups := make(map[region][]domain.Finding)
	var order []region
	for _, f := range inv.Findings {
		r := region{file: f.Pair.File, start: f.Pair.StartLine, end: f.Pair.EndLine}
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], f)
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].file != order[b].file {
			return order[a].file < order[b].file
		}
		if order[a].start != order[b].start {
			return order[a].start < order[b].start
		}
		return order[a].end < order[b].end
	})

	now := in.Now
	if now.IsZero() {
		now = j.now()
	}
	now = now.UTC()
	verdicts := make([]domain.Verdict, 0, len(order))
	for _, r := range order {
		verdicts = append(verdicts, aggregate(in.Case.ID, r, groups[r], now))
	}
	return domain.JudgingOutput{Verdicts: verdicts}, nil
}

func aggregate(caseID string, r region, findings []domain.Finding, now time.Time) domain.Verdict {
	sort.SliceStable(findings, func(a, b int) bool {
		return findings[a].Pair.RuleChunkID < findings[b].Pair.RuleChunkID
	})

	v := domain.Verdict{
		ID:             VerdictID(caseID, r.file, r.start, r.end),
		CaseID:         caseID,
		File:           r.file,
		StartLine:      r.start,
		EndLine:        r.end,
		Classification: domain.ClassificationCompliant,
		Severity:       domain.SeverityNone,
		ReviewStatus:   domain.ReviewStatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rules := make(map[string]bool)
	regulations := make(map[string]bool)
	var explanations, remediations []string
	primary := -1
	for i, f := range findings {
		class, sev := Judge(f)
		if classificationRank(class) > classificationRank(v.Classification) {
			v.Classification = class
		}
		if primary < 0 || sev.Score() > v.Severity.Score() {
			primary = i
		}
		v.Severity = domain.MaxSeverity(v.Severity, sev)

		rules[f.Pair.RuleChunkID] = true
		regulations[f.Pair.RegulationID] = true

		label := f.Pair.RuleChunkID
		if f.Pair.RuleSection != "" {
			label = f.Pair.RuleSection
		}
		if f.Summary != "" {
			explanations = append(explanations, fmt.Sprintf("[%s] %s: %s", label, f.Status, f.Summary))
		} else {
			explanations = append(explanations, fmt.Sprintf("[%s] %s", label, f.Status))
		}
		if f.Recommendation != "" && class != domain.ClassificationCompliant {
			remediations = append(remediations, fmt.Sprintf("[%s] %s", label, f.Recommendation))
		}
	}

	p := findings[primary]
	v.CodeChunkID = p.Pair.CodeChunkID
	v.RuleChunkID = p.Pair.RuleChunkID
	v.RuleChunkIDs = sortedKeys(rules)
	v.RegulationIDs = sortedKeys(regulations)
	v.Score = v.Severity.Score()
	v.Explanation = strings.Join(explanations, "\n")
	v.Remediation = strings.Join(remediations, "\n")
	return v
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
