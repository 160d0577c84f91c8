// Package pipeline implements the five audit stages. Each stage reads the
// case and the outputs of earlier stages and returns its own typed output;
// stages never write corpora or case state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/llm"
)

// Input is the read-only state a stage runs over
type Input struct {
	Case    *domain.AuditCase
	Outputs map[domain.Stage]domain.StageOutput
	// Now is when the stage was entered; every attempt sees the same value
	Now time.Time
}

// NewInput builds the input for the next stage of c, entered at now
func NewInput(c *domain.AuditCase, now time.Time) Input {
	return Input{Case: c, Outputs: c.Outputs, Now: now}
}

// Stage is one step of the audit pipeline
type Stage interface {
	Name() domain.Stage
	Run(ctx context.Context, in Input) (domain.StageOutput, error)
}

// Reasoner assesses evidence and refines rule constraints
type Reasoner interface {
	Investigate(ctx context.Context, ev llm.Evidence) (*llm.Assessment, error)
	RefineConstraint(ctx context.Context, rule domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error)
}

// Pipeline holds one implementation per stage of domain.StageOrder
type Pipeline struct {
	stages map[domain.Stage]Stage
}

// New assembles a pipeline. Every stage of domain.StageOrder must be
// provided exactly once.
func New(stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{stages: make(map[domain.Stage]Stage, len(stages))}
	for _, s := range stages {
		name := s.Name()
		if name.Index() < 0 || name == domain.StageDone {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidStage, name)
		}
		if _, dup := p.stages[name]; dup {
			return nil, fmt.Errorf("stage %s registered twice", name)
		}
		p.stages[name] = s
	}
	for _, name := range domain.StageOrder {
		if _, ok := p.stages[name]; !ok {
			return nil, fmt.Errorf("stage %s is not registered", name)
		}
	}
	return p, nil
}

// Stage returns the implementation of name
func (p *Pipeline) Stage(name domain.Stage) (Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// prior returns the typed output of an earlier stage
func prior[T domain.StageOutput](in Input, stage domain.Stage) (T, error) {
	var zero T
	out, ok := in.Outputs[stage]
	if !ok {
		return zero, fmt.Errorf("%w: %s output is missing", domain.ErrStageOutOfOrder, stage)
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s output has type %T", domain.ErrStageOutOfOrder, stage, out)
	}
	return v, nil
}

// StageFunc adapts a function into a Stage
type StageFunc struct {
	Stage domain.Stage
	Fn    func(ctx context.Context, in Input) (domain.StageOutput, error)
}

// Name returns the stage name
func (s StageFunc) Name() domain.Stage { return s.Stage }

// Run calls Fn
func (s StageFunc) Run(ctx context.Context, in Input) (domain.StageOutput, error) {
	return s.Fn(ctx, in)
}
