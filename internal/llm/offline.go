package llm

import (
	"context"
	"strings"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Offline is a Reasoner used when no model is configured. It marks a pair
// partial when the code mentions a constraint keyword and unknown otherwise,
// so cases still reach the approval gate for a human to review.
type Offline struct{}

// Model returns the reasoner name
func (Offline) Model() string { return "offline" }

// Investigate scores evidence by keyword overlap
func (Offline) Investigate(_ context.Context, ev Evidence) (*Assessment, error) {
	if ev.Constraint == nil || len(ev.Constraint.Keywords) == 0 {
		return &Assessment{Status: domain.FindingUnknown, Summary: "no reasoner configured"}, nil
	}

	code := strings.ToLower(ev.CodeText)
	var hits []string
	for _, kw := range ev.Constraint.Keywords {
		if kw != "" && strings.Contains(code, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	if len(hits) == 0 {
		return &Assessment{Status: domain.FindingUnknown, Confidence: 0.2, Summary: "no requirement keywords found in code"}, nil
	}
	return &Assessment{
		Status:         domain.FindingPartial,
		Confidence:     0.4,
		Summary:        "code mentions " + strings.Join(hits, ", ") + "; manual review required",
		Recommendation: "confirm the code satisfies: " + ev.RuleText,
	}, nil
}

// RefineConstraint returns the heuristic constraint unchanged
func (Offline) RefineConstraint(_ context.Context, _ domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error) {
	return &base, nil
}
