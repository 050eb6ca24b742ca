package jobs

import (
	"context"
	"fmt"

	"github.com/muchdogesec/obstracts-sub000/internal/metrics"
)

// retrieve resolves the job's items and replaces the task with its plan.
func (e *Engine) retrieve(ctx context.Context, t Task) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		e.logger.Info("skipping retrieval for finished job", "job_id", job.ID, "state", job.State)
		return nil
	}
	if job.CancelRequested {
		if err := e.note(ctx, t, "CANCELLED: job was cancelled before its items were retrieved"); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortNone), 0)
	}

	v, ok := e.variant(job.Type)
	if !ok {
		return e.retrieveFailed(ctx, t, fmt.Errorf("no processor registered for %s", job.Type))
	}
	params, err := job.Params()
	if err != nil {
		return e.retrieveFailed(ctx, t, err)
	}

	res, err := v.Retriever.Retrieve(ctx, job, params)
	if err != nil {
		if IsTransient(err) {
			return err
		}
		return e.retrieveFailed(ctx, t, err)
	}

	total := res.Total
	if total < len(res.Items) {
		total = len(res.Items)
	}
	if err := e.store.SetItemCount(ctx, job.ID, total); err != nil {
		return err
	}
	if _, err := e.store.TransitionJob(ctx, job.ID, []State{StateRetrieving}, StateQueued); err != nil {
		return err
	}

	e.logger.Info("job items retrieved", "job_id", job.ID, "type", job.Type, "items", len(res.Items), "item_count", total)
	return e.enqueue(ctx, Task{Plan: BuildPlan(job, res.Items)}, 0)
}

func (e *Engine) retrieveFailed(ctx context.Context, t Task, cause error) error {
	e.logger.Warn("job retrieval failed", "job_id", t.JobID, "error", cause)
	if err := e.note(ctx, t, "RETRIEVE_FAILED: "+cause.Error()); err != nil {
		return err
	}
	return e.enqueue(ctx, t.toFinalize(AbortRetrieve), 0)
}

// awaitMutex admits the job to its feed. While another job holds the lock
// the task is re-enqueued after a fixed delay, up to LockMaxAttempts tries.
func (e *Engine) awaitMutex(ctx context.Context, t Task) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return e.enqueue(ctx, t.toFinalize(AbortNone), 0)
	}
	feedID, ok := job.ExclusiveFeed()
	if !ok {
		return e.begin(ctx, t)
	}
	if job.CancelRequested {
		msg := fmt.Sprintf("CANCELLED: job was cancelled before acquiring the lock for feed %s", feedID)
		if err := e.note(ctx, t, msg); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortNone), 0)
	}

	acquired, err := e.mutex.TryAcquire(ctx, feedID, job.ID)
	if err != nil {
		return err
	}
	holder, held, err := e.mutex.Holder(ctx, feedID)
	if err != nil {
		return err
	}
	// A redelivered message may find the lock already taken by this job.
	if !acquired && held && holder == job.ID {
		acquired = true
	}
	metrics.RecordLockAttempt(acquired)

	if acquired {
		if _, err := e.store.TransitionJob(ctx, job.ID, []State{StateRetrieving, StateQueued}, StateProcessing); err != nil {
			return err
		}
		e.logger.Info("feed lock acquired", "job_id", job.ID, "feed_id", feedID, "attempt", t.Attempt+1)
		return e.enqueue(ctx, t.next(), 0)
	}

	attempt := t.Attempt + 1
	if attempt >= e.opts.LockMaxAttempts {
		owner := "unknown"
		if held {
			owner = holder.String()
		}
		msg := fmt.Sprintf("LOCK_TIMEOUT: could not acquire lock for feed %s after %d attempts (held by job %s)", feedID, attempt, owner)
		e.logger.Warn("giving up on feed lock", "job_id", job.ID, "feed_id", feedID, "holder", owner, "attempt", attempt)
		if err := e.note(ctx, t, msg); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortLock), 0)
	}

	t.Attempt = attempt
	return e.enqueue(ctx, t, e.lockBackoff.Delay(attempt))
}

// begin moves a job that does not take the feed lock into PROCESSING.
func (e *Engine) begin(ctx context.Context, t Task) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return e.enqueue(ctx, t.toFinalize(AbortNone), 0)
	}
	if job.CancelRequested {
		if err := e.note(ctx, t, "CANCELLED: job was cancelled before processing started"); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortNone), 0)
	}
	if _, err := e.store.TransitionJob(ctx, job.ID, []State{StateRetrieving, StateQueued}, StateProcessing); err != nil {
		return err
	}
	return e.enqueue(ctx, t.next(), 0)
}
