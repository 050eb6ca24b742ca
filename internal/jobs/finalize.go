package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/metrics"
)

// Finalize writes the terminal state of a job and releases its feed lock.
// Calling it on a job that is already terminal only retries the release.
func (e *Engine) Finalize(ctx context.Context, jobID uuid.UUID) error {
	return e.finalize(ctx, jobID, AbortNone)
}

func (e *Engine) finalize(ctx context.Context, jobID uuid.UUID, abort AbortReason) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State.Terminal() {
		e.logger.Info("job already finished", "job_id", job.ID, "state", job.State)
	} else {
		to := terminalState(job, abort)
		changed, err := e.store.TransitionJob(ctx, job.ID, ActiveStates, to)
		if err != nil {
			return err
		}
		if changed {
			metrics.RecordJobFinished(string(job.Type), string(to))
			e.logger.Info("job finished",
				"job_id", job.ID,
				"type", job.Type,
				"state", to,
				"processed_items", job.ProcessedItems,
				"failed_processes", job.FailedProcesses,
			)
		}
	}

	// Release happens after the terminal write so two jobs for one feed
	// are never PROCESSING at the same time.
	if feedID, ok := job.ExclusiveFeed(); ok {
		released, err := e.mutex.Release(ctx, feedID, job.ID)
		if err != nil {
			return err
		}
		if !released {
			e.logger.Info("feed lock already released", "job_id", job.ID, "feed_id", feedID)
		}
	}
	return nil
}

// terminalState applies the decision order: cancellation, then aborts,
// then counters.
func terminalState(job *Job, abort AbortReason) State {
	switch {
	case job.CancelRequested:
		return StateCancelled
	case abort == AbortRetrieve:
		return StateRetrieveFailed
	case abort == AbortLock, abort == AbortInfra:
		return StateProcessFailed
	case job.ProcessedItems == 0 && job.FailedProcesses > 0:
		return StateProcessFailed
	case job.Type.FailFast() && job.FailedProcesses > 0:
		return StateProcessFailed
	}
	return StateProcessed
}
