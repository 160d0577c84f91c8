package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/pipeline"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// RunCase executes the remaining stages of a case under its lease. A case
// that is not pending or running is returned unchanged. Stage exhaustion
// marks the case failed and returns a PIPELINE_STAGE_FAILURE error.
func (s *Service) RunCase(ctx context.Context, caseID string) (*domain.AuditCase, error) {
	ctx, span := telemetry.StartSpan(ctx, "Orchestrator.RunCase", telemetry.SpanAttributes{
		CaseID:    caseID,
		Operation: "run_case",
	})
	defer span.End()

	owner := s.uuidGen.NewString()
	c, err := s.store.AcquireLease(ctx, caseID, owner, s.now().UTC().Add(s.cfg.LeaseTTL))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), caseID, owner); err != nil {
			log.Warn().Err(err).Str("case_id", caseID).Msg("orchestrator: lease release failed")
		}
	}()
	if c.Status != domain.CaseStatusRunning {
		return c, nil
	}

	logger := log.With().Str("case_id", c.ID).Str("repo_id", c.RepoID).Logger()
	for {
		stage := c.NextStage()
		if stage == domain.StageDone {
			return c, nil
		}

		// stage boundary
		if err := ctx.Err(); err != nil {
			logger.Info().Str("stage", string(stage)).Msg("orchestrator: run interrupted, case stays resumable")
			return c, err
		}
		fresh, err := s.store.GetCase(ctx, caseID)
		if err != nil {
			return c, err
		}
		if fresh.LeaseOwner != owner {
			return c, domain.ErrLeaseLost
		}
		if fresh.CancelRequested {
			return s.cancel(ctx, fresh, owner, stage)
		}
		c = fresh

		logger.Info().Str("stage", string(stage)).Msg("orchestrator: stage started")
		out, attempts, err := s.runStage(ctx, c, stage)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return c, err
			}
			return s.fail(ctx, c, owner, stage, attempts, err)
		}

		c, err = s.commit(ctx, c, owner, stage, out)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("commit %s: %w", stage, err)
		}
		logger.Info().Str("stage", string(stage)).Str("status", string(c.Status)).Int("progress", c.Progress()).
			Msg("orchestrator: stage completed")
		telemetry.AddStageBreadcrumb(ctx, string(stage), fmt.Sprintf("completed after %d attempt(s), case %s", attempts, c.Status))

		if c.Status != domain.CaseStatusRunning {
			s.archive(ctx, c)
			return c, nil
		}
	}
}

// runStage runs one stage with retries. Each attempt gets its own timeout
// and is not interrupted by cancellation of ctx; only the wait between
// attempts is.
func (s *Service) runStage(ctx context.Context, c *domain.AuditCase, stage domain.Stage) (domain.StageOutput, int, error) {
	impl, ok := s.pipeline.Stage(stage)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", domain.ErrInvalidStage, stage)
	}
	in := pipeline.NewInput(c, s.now().UTC())

	var out domain.StageOutput
	attempt := 0
	op := func() error {
		attempt++
		sctx, span := telemetry.StartSpan(ctx, "Stage."+string(stage), telemetry.SpanAttributes{
			CaseID:  c.ID,
			RepoID:  c.RepoID,
			Stage:   string(stage),
			Attempt: attempt,
		})
		defer span.End()

		actx, cancel := context.WithTimeout(context.WithoutCancel(sctx), s.cfg.StageTimeout)
		defer cancel()

		o, err := impl.Run(actx, in)
		switch {
		case err != nil && errors.Is(actx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("stage %s timed out after %s: %w", stage, s.cfg.StageTimeout, err)
		case err == nil && o == nil:
			err = fmt.Errorf("stage %s returned no output", stage)
		case err == nil && o.Stage() != stage:
			err = fmt.Errorf("%w: %s returned %s output", domain.ErrStageOutOfOrder, stage, o.Stage())
		}
		if err != nil {
			span.SetError(err)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = o
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("case_id", c.ID).Str("stage", string(stage)).Int("attempt", attempt).Dur("wait", wait).
			Msg("orchestrator: stage failed, retrying")
		ev := s.event(c.ID, domain.CaseEventStageRetry, stage, attempt, err.Error())
		if aerr := s.store.AppendEvents(context.WithoutCancel(ctx), c.ID, ev); aerr != nil {
			log.Warn().Err(aerr).Str("case_id", c.ID).Msg("orchestrator: retry event not recorded")
		}
	}

	policy := backoff.WithContext(s.newBackOff(s.cfg.StageMaxAttempts), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, attempt, err
	}
	return out, attempt, nil
}

// commit persists a stage output and derives the next case status
func (s *Service) commit(ctx context.Context, c *domain.AuditCase, owner string, stage domain.Stage, out domain.StageOutput) (*domain.AuditCase, error) {
	now := s.now().UTC()
	commit := StageCommit{
		CaseID:     c.ID,
		Owner:      owner,
		Stage:      stage,
		Output:     out,
		Status:     domain.CaseStatusRunning,
		LeaseUntil: now.Add(s.cfg.LeaseTTL),
		Now:        now,
		Events:     []domain.CaseEvent{s.event(c.ID, domain.CaseEventStageCompleted, stage, 0, "")},
	}

	switch o := out.(type) {
	case domain.PlanningOutput:
		if len(o.Rules) == 0 {
			commit.Status = domain.CaseStatusCompleted
			commit.Events = append(commit.Events, s.event(c.ID, domain.CaseEventCompleted, stage, 0, "no active rules"))
		}
	case domain.JudgingOutput:
		commit.Verdicts = o.Verdicts
	case domain.RemediatingOutput:
		if len(o.Items) == 0 {
			commit.Status = domain.CaseStatusCompleted
			commit.Events = append(commit.Events, s.event(c.ID, domain.CaseEventCompleted, stage, 0, "no violations"))
		} else {
			commit.Status = domain.CaseStatusWaitingApproval
			commit.Approval = o.Items
			commit.Events = append(commit.Events, s.event(c.ID, domain.CaseEventWaitingApproval, stage, 0,
				fmt.Sprintf("%d items awaiting approval", len(o.Items))))
		}
	}
	return s.store.CommitStage(ctx, commit)
}

func (s *Service) fail(ctx context.Context, c *domain.AuditCase, owner string, stage domain.Stage, attempts int, cause error) (*domain.AuditCase, error) {
	err := domain.StageFailure(stage, attempts, cause)
	telemetry.CaptureError(ctx, err)
	log.Error().Err(cause).Str("case_id", c.ID).Str("stage", string(stage)).Int("attempts", attempts).
		Msg("orchestrator: stage failed")

	failed, ferr := s.store.FailCase(context.WithoutCancel(ctx), CaseFailure{
		CaseID:  c.ID,
		Owner:   owner,
		Stage:   stage,
		Message: cause.Error(),
		Now:     s.now().UTC(),
		Events: []domain.CaseEvent{
			s.event(c.ID, domain.CaseEventStageFailed, stage, attempts, cause.Error()),
			s.event(c.ID, domain.CaseEventFailed, stage, 0, err.Error()),
		},
	})
	if ferr != nil {
		return c, errors.Join(err, fmt.Errorf("record failure: %w", ferr))
	}
	return failed, err
}

func (s *Service) cancel(ctx context.Context, c *domain.AuditCase, owner string, stage domain.Stage) (*domain.AuditCase, error) {
	log.Info().Str("case_id", c.ID).Str("stage", string(stage)).Msg("orchestrator: case cancelled")
	return s.store.FailCase(context.WithoutCancel(ctx), CaseFailure{
		CaseID:  c.ID,
		Owner:   owner,
		Stage:   stage,
		Message: "cancelled",
		Now:     s.now().UTC(),
		Events:  []domain.CaseEvent{s.event(c.ID, domain.CaseEventCancelled, stage, 0, "cancelled before "+string(stage))},
	})
}
