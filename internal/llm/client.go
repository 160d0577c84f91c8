// Package llm asks a language model to assess candidate pairs and refine
// rule constraints, returning typed results.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// DefaultModel is used when no model is configured
const DefaultModel = "gpt-4o-mini"

// Config holds reasoner model settings
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Evidence is what the reasoner sees for one candidate pair
type Evidence struct {
	Pair       domain.CandidatePair
	CodeText   string
	RuleText   string
	Neighbours []string
	Constraint *domain.RuleConstraint
}

// Assessment is the reasoner's judgement of one candidate pair
type Assessment struct {
	Status         domain.FindingStatus `json:"status"`
	Confidence     float64              `json:"confidence"`
	Summary        string               `json:"summary"`
	Recommendation string               `json:"recommendation"`
}

// generator produces a completion for a single prompt
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

type modelGenerator struct {
	model llms.Model
	opts  []llms.CallOption
}

func (g modelGenerator) generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g.model, prompt, g.opts...)
}

// GeneratorFunc adapts a function into a prompt generator
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Client is a Reasoner backed by a langchaingo model
type Client struct {
	gen       generator
	modelName string
}

// New wraps an existing langchaingo model
func New(model llms.Model, cfg Config) *Client {
	opts := []llms.CallOption{llms.WithTemperature(cfg.Temperature)}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	return &Client{gen: modelGenerator{model: model, opts: opts}, modelName: name}
}

// NewOpenAI creates a Client for an OpenAI-compatible endpoint
func NewOpenAI(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create openai model: %w", err)
	}
	return New(model, cfg), nil
}

// NewWithGenerator creates a Client around a plain prompt function (for testing)
func NewWithGenerator(fn GeneratorFunc, modelName string) *Client {
	return &Client{gen: fn, modelName: modelName}
}

// Model returns the model name
func (c *Client) Model() string {
	return c.modelName
}

// Investigate assesses whether the code implements the rule
func (c *Client) Investigate(ctx context.Context, ev Evidence) (*Assessment, error) {
	ctx, span := telemetry.StartSpan(ctx, "Reasoner.Investigate", telemetry.SpanAttributes{
		RegulationID: ev.Pair.RegulationID,
		Operation:    "investigate",
	})
	defer span.End()

	prompt, err := render(investigateTemplate, ev)
	if err != nil {
		return nil, err
	}

	raw, err := c.gen.generate(ctx, prompt)
	if err != nil {
		err = Classify(err)
		span.SetError(err)
		return nil, err
	}

	var a Assessment
	if err := decodeJSON(raw, &a); err != nil {
		log.Warn().Err(err).Str("model", c.modelName).Str("code_chunk_id", ev.Pair.CodeChunkID).Msg("llm: unparseable assessment")
		return nil, err
	}
	if err := normalizeAssessment(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// RefineConstraint asks the model to improve a heuristic rule constraint.
// Fields the model leaves empty keep their heuristic value.
func (c *Client) RefineConstraint(ctx context.Context, rule domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error) {
	ctx, span := telemetry.StartSpan(ctx, "Reasoner.RefineConstraint", telemetry.SpanAttributes{
		RegulationID: rule.RegulationID,
		Operation:    "refine_constraint",
	})
	defer span.End()

	prompt, err := render(constraintTemplate, struct {
		Rule domain.RuleChunk
		Base domain.RuleConstraint
	}{rule, base})
	if err != nil {
		return nil, err
	}

	raw, err := c.gen.generate(ctx, prompt)
	if err != nil {
		err = Classify(err)
		span.SetError(err)
		return nil, err
	}

	var got struct {
		Actor     string   `json:"actor"`
		Action    string   `json:"action"`
		Object    string   `json:"object"`
		Condition string   `json:"condition"`
		Keywords  []string `json:"keywords"`
	}
	if err := decodeJSON(raw, &got); err != nil {
		return nil, err
	}

	out := base
	if got.Actor != "" {
		out.Actor = got.Actor
	}
	if got.Action != "" {
		out.Action = got.Action
	}
	if got.Object != "" {
		out.Object = got.Object
	}
	if got.Condition != "" {
		out.Condition = got.Condition
	}
	if len(got.Keywords) > 0 {
		out.Keywords = got.Keywords
	}
	return &out, nil
}

func normalizeAssessment(a *Assessment) error {
	a.Status = domain.FindingStatus(strings.ToLower(strings.TrimSpace(string(a.Status))))
	switch a.Status {
	case domain.FindingImplemented, domain.FindingPartial, domain.FindingMissing, domain.FindingUnknown:
	case "not_implemented", "absent":
		a.Status = domain.FindingMissing
	case "":
		return domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "assessment has no status", domain.ErrUnparseableOutput)
	default:
		return domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput,
			fmt.Sprintf("assessment status %q is not recognised", a.Status), domain.ErrUnparseableOutput)
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		// Some models answer in percent.
		if a.Confidence <= 100 {
			a.Confidence /= 100
		} else {
			a.Confidence = 1
		}
	}
	return nil
}

// Classify maps model call failures onto the error taxonomy. Rate limits,
// timeouts and upstream 5xx are transient; everything else is returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientProvider, "reasoner timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientProvider, "reasoner unreachable", err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"status code: 429", "status code: 5", "rate limit", "quota", "overloaded", "timeout"} {
		if strings.Contains(msg, marker) {
			return domain.NewDomainErrorWithCause(domain.ErrCodeTransientProvider, "reasoner temporarily unavailable", err)
		}
	}
	return err
}
