package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// JobProcessor runs one pass over whatever work is pending
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// failureEscalation is the number of consecutive failed passes after which
// the worker logs at error level
const failureEscalation = 3

// Worker drives a JobProcessor on a fixed interval until stopped
type Worker struct {
	name         string
	processor    JobProcessor
	pollInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewWorker(name string, processor JobProcessor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		name:         name,
		processor:    processor,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs a pass immediately, then one per poll interval. It blocks
// until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)

	logger := log.With().Str("worker", w.name).Logger()
	logger.Info().Dur("poll_interval", w.pollInterval).Msg("worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	failures := 0
	pass := func() {
		err := w.processor.ProcessJobs(ctx)
		switch {
		case err == nil:
			if failures > 0 {
				logger.Info().Int("failed_passes", failures).Msg("worker recovered")
			}
			failures = 0
		case ctx.Err() != nil:
		default:
			failures++
			ev := logger.Warn()
			if failures >= failureEscalation {
				ev = logger.Error()
			}
			ev.Err(err).Int("consecutive_failures", failures).Msg("worker pass failed")
		}
	}

	pass()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopped: context cancelled")
			return
		case <-w.stop:
			logger.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			pass()
		}
	}
}

// Stop signals the loop and waits for the current pass to finish. It is
// safe to call more than once, and after the context ended the loop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
