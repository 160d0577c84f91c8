package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

var investigateTemplate = template.Must(template.New("investigate").Funcs(funcs).Parse(`You are a compliance auditor reviewing source code against a regulatory requirement.

Requirement ({{.Pair.RegulationID}}{{if .Pair.RuleSection}}, {{.Pair.RuleSection}}{{end}}):
{{.RuleText}}
{{with .Constraint}}
Structured requirement:
- actor: {{.Actor}}
- action: {{.Action}}
- object: {{.Object}}
- condition: {{.Condition}}
- keywords: {{join .Keywords ", "}}
{{end}}
Code under review ({{.Pair.File}} lines {{.Pair.StartLine}}-{{.Pair.EndLine}}):
` + "```" + `
{{.CodeText}}
` + "```" + `
{{if .Neighbours}}
Surrounding code from the same file:
{{range .Neighbours}}` + "```" + `
{{.}}
` + "```" + `
{{end}}{{end}}
Decide whether the code implements the requirement. Answer with one JSON object and nothing else:
{"status": "implemented" | "partial" | "missing" | "unknown", "confidence": <0..1>, "summary": "<one paragraph>", "recommendation": "<what to change, empty if implemented>"}
`))

var constraintTemplate = template.Must(template.New("constraint").Funcs(funcs).Parse(`Extract the obligation expressed by this regulatory text.

Text ({{.Rule.RegulationID}}{{if .Rule.Section}}, {{.Rule.Section}}{{end}}):
{{.Rule.Text}}

A first pass found: actor={{.Base.Actor}} action={{.Base.Action}} object={{.Base.Object}} condition={{.Base.Condition}} keywords={{join .Base.Keywords ", "}}

Answer with one JSON object and nothing else:
{"actor": "", "action": "", "object": "", "condition": "", "keywords": []}
`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// extractJSON trims prose and code fences around the first JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	if start >= 0 {
		return s[start:]
	}
	return s
}

// decodeJSON parses a model answer into v, repairing malformed JSON when
// strict parsing fails.
func decodeJSON(raw string, v any) error {
	candidate := extractJSON(raw)
	if candidate == "" {
		return domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "empty model response", domain.ErrUnparseableOutput)
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "model response is not JSON", domain.ErrUnparseableOutput)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "model response has unexpected shape", domain.ErrUnparseableOutput)
	}
	return nil
}
