package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

// CaseJobArgs is the River job that runs the remaining stages of a case
type CaseJobArgs struct {
	CaseID  string `json:"case_id"`
	EventID string `json:"event_id,omitempty"`
}

// Kind returns the job kind for River
func (CaseJobArgs) Kind() string { return "run_case" }

// InsertOpts keeps at most one unfinished job per case. Finished jobs do not
// block a later resume.
func (CaseJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// CaseRunner executes a case
type CaseRunner interface {
	RunCase(ctx context.Context, caseID string) (*domain.AuditCase, error)
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeSnooze
	outcomeCancel
)

// classify maps a RunCase error to what River should do with the job
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeDone
	case errors.Is(err, domain.ErrCaseBusy):
		return outcomeSnooze
	case errors.Is(err, domain.ErrLeaseLost),
		errors.Is(err, domain.ErrCaseNotFound),
		domain.HasCode(err, domain.ErrCodeStageFailure),
		domain.IsPermanentInput(err),
		domain.HasCode(err, domain.ErrCodeValidation):
		return outcomeCancel
	}
	return outcomeRetry
}

// CaseWorker works CaseJobArgs through the orchestrator
type CaseWorker struct {
	river.WorkerDefaults[CaseJobArgs]
	runner CaseRunner
	snooze time.Duration
}

// Timeout disables River's job timeout; stages carry their own.
func (w *CaseWorker) Timeout(*river.Job[CaseJobArgs]) time.Duration { return -1 }

// Work runs the case. A case leased by another execution is snoozed; a
// failed case is not retried by the queue since it is resumed explicitly.
func (w *CaseWorker) Work(ctx context.Context, job *river.Job[CaseJobArgs]) error {
	if w.runner == nil {
		return fmt.Errorf("case worker has no runner")
	}
	logger := log.With().Int64("job_id", job.ID).Str("case_id", job.Args.CaseID).Int("attempt", job.Attempt).Logger()

	ctx, span := telemetry.StartJobTransaction(ctx, job.Args.CaseID, job.Attempt)
	defer span.End()

	c, err := w.runner.RunCase(ctx, job.Args.CaseID)
	switch classify(err) {
	case outcomeDone:
		logger.Info().Str("status", string(c.Status)).Msg("case job finished")
		return nil
	case outcomeSnooze:
		logger.Info().Dur("snooze", w.snooze).Msg("case leased elsewhere, snoozing")
		return river.JobSnooze(w.snooze)
	case outcomeCancel:
		logger.Warn().Err(err).Msg("case job cancelled")
		return river.JobCancel(err)
	default:
		logger.Warn().Err(err).Msg("case job will be retried")
		return err
	}
}

// QueueConfig sizes the case queue
type QueueConfig struct {
	// Workers is the number of concurrent case jobs. Zero builds an
	// insert-only queue.
	Workers        int
	SnoozeInterval time.Duration
}

// Queue is the durable case job queue
type Queue struct {
	client *river.Client[pgx.Tx]
	worker *CaseWorker
}

// NewQueue creates a River client over pool
func NewQueue(pool *pgxpool.Pool, cfg QueueConfig) (*Queue, error) {
	if cfg.SnoozeInterval <= 0 {
		cfg.SnoozeInterval = 30 * time.Second
	}
	q := &Queue{worker: &CaseWorker{snooze: cfg.SnoozeInterval}}

	riverCfg := &river.Config{}
	if cfg.Workers > 0 {
		workers := river.NewWorkers()
		river.AddWorker(workers, q.worker)
		riverCfg.Workers = workers
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	q.client = client
	return q, nil
}

// SetRunner attaches the orchestrator that works case jobs
func (q *Queue) SetRunner(r CaseRunner) {
	q.worker.runner = r
}

// Start starts the job queue workers
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop stops the job queue workers, letting running jobs finish
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueCase inserts a run_case job and returns its id. A case that already
// has an unfinished job gets that job's id back.
func (q *Queue) EnqueueCase(ctx context.Context, caseID, eventID string) (int64, error) {
	res, err := q.client.Insert(ctx, CaseJobArgs{CaseID: caseID, EventID: eventID}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to queue case job: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		log.Debug().Str("case_id", caseID).Int64("job_id", res.Job.ID).Msg("case job already queued")
	}
	return res.Job.ID, nil
}

// DispatchCase implements the orchestrator dispatcher
func (q *Queue) DispatchCase(ctx context.Context, caseID string) error {
	_, err := q.EnqueueCase(ctx, caseID, "")
	return err
}

// Migrate applies River's schema migrations
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate: %w", err)
	}
	log.Info().Int("applied", len(res.Versions)).Msg("river migrations applied")
	return nil
}
