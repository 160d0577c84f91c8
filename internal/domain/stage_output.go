package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StageOutput is the typed result of one pipeline stage. The set of
// implementations is closed: one struct per stage.
type StageOutput interface {
	Stage() Stage
}

// RuleConstraint is the structured form of one active rule
type RuleConstraint struct {
	RuleChunkID  string   `json:"rule_chunk_id"`
	RegulationID string   `json:"regulation_id"`
	Section      string   `json:"section,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	Action       string   `json:"action,omitempty"`
	Object       string   `json:"object,omitempty"`
	Condition    string   `json:"condition,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Text         string   `json:"text"`
}

// PlanningOutput carries the rule constraints and the matcher's candidates.
type PlanningOutput struct {
	Rules      []RuleConstraint `json:"rules"`
	Candidates []CandidatePair  `json:"candidates"`
}

// DiscardedPair records why navigation dropped a candidate
type DiscardedPair struct {
	Pair   CandidatePair `json:"pair"`
	Reason string        `json:"reason"`
}

// NavigatingOutput is the narrowed candidate set.
type NavigatingOutput struct {
	Kept      []CandidatePair `json:"kept"`
	Discarded []DiscardedPair `json:"discarded"`
}

// FindingStatus is the reasoner's assessment of whether code implements a rule
type FindingStatus string

const (
	FindingImplemented FindingStatus = "implemented"
	FindingPartial     FindingStatus = "partial"
	FindingMissing     FindingStatus = "missing"
	FindingUnknown     FindingStatus = "unknown"
)

// Finding is the evidence-backed assessment of one candidate pair
type Finding struct {
	Pair           CandidatePair `json:"pair"`
	Status         FindingStatus `json:"status"`
	Confidence     float64       `json:"confidence"`
	Summary        string        `json:"summary"`
	Recommendation string        `json:"recommendation,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// InvestigatingOutput holds one finding per navigated pair.
type InvestigatingOutput struct {
	Findings []Finding `json:"findings"`
}

// JudgingOutput holds the aggregated verdicts.
type JudgingOutput struct {
	Verdicts []Verdict `json:"verdicts"`
}

// RemediatingOutput holds drafted remediation tasks awaiting approval.
type RemediatingOutput struct {
	Items []ApprovalItem `json:"items"`
}

func (PlanningOutput) Stage() Stage      { return StagePlanning }
func (NavigatingOutput) Stage() Stage    { return StageNavigating }
func (InvestigatingOutput) Stage() Stage { return StageInvestigating }
func (JudgingOutput) Stage() Stage       { return StageJudging }
func (RemediatingOutput) Stage() Stage   { return StageRemediating }

type stageEnvelope struct {
	Stage Stage           `json:"stage"`
	Data  json.RawMessage `json:"data"`
}

// EncodeStageOutput serialises out in a {"stage","data"} envelope.
func EncodeStageOutput(out StageOutput) ([]byte, error) {
	if out == nil {
		return nil, fmt.Errorf("stage output cannot be nil")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %s output: %w", out.Stage(), err)
	}
	return json.Marshal(stageEnvelope{Stage: out.Stage(), Data: data})
}

// DecodeStageOutput parses an envelope written by EncodeStageOutput.
// Unknown fields are rejected so schema drift is caught on read.
func DecodeStageOutput(raw []byte) (StageOutput, error) {
	var env stageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stage envelope: %w", err)
	}

	var out StageOutput
	switch env.Stage {
	case StagePlanning:
		out = &PlanningOutput{}
	case StageNavigating:
		out = &NavigatingOutput{}
	case StageInvestigating:
		out = &InvestigatingOutput{}
	case StageJudging:
		out = &JudgingOutput{}
	case StageRemediating:
		out = &RemediatingOutput{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, env.Stage)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", env.Stage, err)
	}

	switch v := out.(type) {
	case *PlanningOutput:
		return *v, nil
	case *NavigatingOutput:
		return *v, nil
	case *InvestigatingOutput:
		return *v, nil
	case *JudgingOutput:
		return *v, nil
	case *RemediatingOutput:
		return *v, nil
	}
	return out, nil
}
