// Package telemetry traces cases, stages and provider calls with Sentry.
package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const serverName = "regaudit"

// flushTimeout bounds how long shutdown waits for buffered events
const flushTimeout = 5 * time.Second

type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
}

// Init configures the global Sentry client. An empty DSN disables tracing;
// the returned flush func is always safe to call.
func Init(cfg Config) (func(), error) {
	noop := func() {}
	if cfg.DSN == "" {
		return noop, nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate <= 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serverName,
		TracesSampler:    sampler(cfg.TracesSampleRate),
	})
	if err != nil {
		log.Warn().Err(err).Msg("sentry: init failed, tracing disabled")
		return noop, nil
	}

	log.Info().
		Str("environment", cfg.Environment).
		Float64("sample_rate", cfg.TracesSampleRate).
		Msg("sentry: tracing enabled")
	return func() { sentry.Flush(flushTimeout) }, nil
}

// sampler drops health probes, keeps every case job transaction and lets
// child spans inherit the root decision.
func sampler(rate float64) sentry.TracesSampler {
	return func(ctx sentry.SamplingContext) float64 {
		switch {
		case ctx.Span.Name == "GET /health":
			return 0
		case ctx.Span.Op == OpCaseJob:
			return 1
		}
		var root sentry.SpanID
		if ctx.Span.ParentSpanID != root {
			if ctx.Span.Sampled.Bool() {
				return 1
			}
			return 0
		}
		return rate
	}
}

// SpanAttributes are the tags every regaudit span may carry
type SpanAttributes struct {
	CaseID       string
	RepoID       string
	RegulationID string
	Stage        string
	Attempt      int
	Operation    string
}

func (a SpanAttributes) apply(span *sentry.Span) {
	tags := map[string]string{
		"case_id":       a.CaseID,
		"repo_id":       a.RepoID,
		"regulation_id": a.RegulationID,
		"stage":         a.Stage,
	}
	for k, v := range tags {
		if v != "" {
			span.SetTag(k, v)
		}
	}
	if a.Attempt > 0 {
		span.SetData("attempt", a.Attempt)
	}
	if a.Operation != "" {
		span.SetData("operation", a.Operation)
	}
}

// Span is a nil-safe handle on a sentry span
type Span struct {
	inner *sentry.Span
}

func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

// SetError marks the span failed and reports err to the span's hub
func (s *Span) SetError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	s.inner.Status = sentry.SpanStatusInternalError
	if hub := sentry.GetHubFromContext(s.inner.Context()); hub != nil {
		hub.CaptureException(err)
	}
}

func (s *Span) Context() context.Context {
	if s.inner != nil {
		return s.inner.Context()
	}
	return context.Background()
}

// StartSpan opens a child of the span in ctx, or a new transaction when ctx
// carries none.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}
	attrs.apply(span)
	return span.Context(), &Span{inner: span}
}

// OpCaseJob is the operation of transactions opened by queue workers
const OpCaseJob = "queue.case"

// StartJobTransaction opens the root transaction of one queued case attempt
// on a hub of its own, so breadcrumbs do not leak between jobs.
func StartJobTransaction(ctx context.Context, caseID string, attempt int) (context.Context, *Span) {
	hub := sentry.CurrentHub().Clone()
	ctx = sentry.SetHubOnContext(ctx, hub)
	span := sentry.StartSpan(ctx, OpCaseJob,
		sentry.WithTransactionName("case.run"),
		sentry.WithOpName(OpCaseJob),
	)
	SpanAttributes{CaseID: caseID, Attempt: attempt}.apply(span)
	return span.Context(), &Span{inner: span}
}

// CaptureError reports err on the hub bound to ctx, falling back to the global hub
func CaptureError(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

// AddStageBreadcrumb records a stage transition of a case
func AddStageBreadcrumb(ctx context.Context, stage, message string) {
	crumb := &sentry.Breadcrumb{
		Type:      "default",
		Category:  "stage." + stage,
		Message:   message,
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.AddBreadcrumb(crumb, nil)
		return
	}
	sentry.AddBreadcrumb(crumb)
}
