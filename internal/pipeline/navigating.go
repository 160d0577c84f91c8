package pipeline

import (
	"context"
	"path"
	"strings"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Discard reasons recorded by navigation
const (
	ReasonNoConstraint  = "rule has no structured constraint"
	ReasonDocumentation = "documentation cannot host the constrained action"
	ReasonTest          = "test code cannot host the constrained action"
	ReasonVendored      = "vendored or third-party code"
	ReasonGenerated     = "generated code"
	ReasonLockFile      = "dependency lock file"
	ReasonAsset         = "static asset"
	ReasonDuplicate     = "duplicate candidate"
)

var (
	docExts   = map[string]bool{".md": true, ".rst": true, ".adoc": true, ".txt": true}
	assetExts = map[string]bool{".svg": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".css": true, ".scss": true, ".woff": true, ".woff2": true}
	lockFiles = map[string]bool{
		"go.sum": true, "package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
		"cargo.lock": true, "poetry.lock": true, "gemfile.lock": true, "composer.lock": true, "pipfile.lock": true,
	}
)

// ClassifyPath returns why a path cannot host application behaviour, or "".
func ClassifyPath(file string) string {
	p := strings.ToLower(path.Clean("/" + file))
	base := path.Base(p)
	ext := path.Ext(base)

	switch {
	case lockFiles[base]:
		return ReasonLockFile
	case strings.Contains(p, "/vendor/") || strings.Contains(p, "/third_party/") || strings.Contains(p, "/node_modules/"):
		return ReasonVendored
	case strings.HasSuffix(base, ".pb.go") || strings.HasSuffix(base, "_gen.go") || strings.Contains(base, ".generated.") ||
		strings.HasSuffix(base, ".min.js") || strings.Contains(p, "/generated/"):
		return ReasonGenerated
	case strings.HasSuffix(base, "_test.go") || strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.HasPrefix(base, "test_") || strings.Contains(p, "/testdata/") || strings.Contains(p, "/__tests__/") ||
		strings.Contains(p, "/fixtures/") || strings.Contains(p, "/tests/"):
		return ReasonTest
	case docExts[ext] || strings.Contains(p, "/docs/"):
		return ReasonDocumentation
	case assetExts[ext]:
		return ReasonAsset
	}
	return ""
}

// Navigating drops candidates that cannot be violations before the
// expensive investigation.
type Navigating struct{}

// NewNavigating creates the navigating stage
func NewNavigating() *Navigating { return &Navigating{} }

// Name returns the stage name
func (n *Navigating) Name() domain.Stage { return domain.StageNavigating }

// Run filters the planning candidates
func (n *Navigating) Run(_ context.Context, in Input) (domain.StageOutput, error) {
	plan, err := prior[domain.PlanningOutput](in, domain.StagePlanning)
	if err != nil {
		return nil, err
	}

	constrained := make(map[string]bool, len(plan.Rules))
	for _, r := range plan.Rules {
		if r.Action != "" || len(r.Keywords) > 0 {
			constrained[r.RuleChunkID] = true
		}
	}

	out := domain.NavigatingOutput{
		Kept:      []domain.CandidatePair{},
		Discarded: []domain.DiscardedPair{},
	}
	seen := make(map[[2]string]bool)
	for _, cp := range plan.Candidates {
		key := [2]string{cp.CodeChunkID + "@" + cp.File, cp.RuleChunkID}
		reason := ""
		switch {
		case seen[key]:
			reason = ReasonDuplicate
		case !constrained[cp.RuleChunkID]:
			reason = ReasonNoConstraint
		default:
			reason = ClassifyPath(cp.File)
		}
		seen[key] = true

		if reason != "" {
			out.Discarded = append(out.Discarded, domain.DiscardedPair{Pair: cp, Reason: reason})
			continue
		}
		out.Kept = append(out.Kept, cp)
	}
	return out, nil
}
