package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muchdogesec/obstracts-sub000/internal/metrics"
)

// Unit is one work item handed to a UnitProcessor.
type Unit struct {
	Job    *Job
	ItemID string
	Params Params
	// Weight is added to processed_items on success. Processors that
	// handle a batch set it to the batch size.
	Weight int

	spawn func(ctx context.Context, item string) error
}

// Spawn schedules the registered sibling processor for item. The sibling
// runs outside the chain and never blocks it.
func (u *Unit) Spawn(ctx context.Context, item string) error {
	if u.spawn == nil {
		return nil
	}
	return u.spawn(ctx, item)
}

type timeoutError struct {
	limit string
	after time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("exceeded the %s time limit (%s)", e.limit, e.after)
}

func (e *Engine) unit(ctx context.Context, t Task, step Step) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}

	switch {
	case job.CancelRequested:
		msg := fmt.Sprintf("CANCELLED: item %s skipped because the job was cancelled", step.Item)
		if err := e.note(ctx, t, msg); err != nil {
			return err
		}
		metrics.RecordUnit(string(job.Type), "cancelled")
		return e.enqueue(ctx, t.next(), 0)
	case job.State.Terminal():
		e.logger.Info("skipping item for finished job", "job_id", job.ID, "item_id", step.Item, "state", job.State)
		return e.enqueue(ctx, t.next(), 0)
	case job.Type.FailFast() && job.FailedProcesses > 0:
		metrics.RecordUnit(string(job.Type), "skipped")
		return e.enqueue(ctx, t.next(), 0)
	}

	outcome := Outcome{Key: t.itemKey()}
	v, ok := e.variant(job.Type)
	params, perr := job.Params()
	switch {
	case !ok:
		err = fmt.Errorf("no processor registered for %s", job.Type)
	case perr != nil:
		err = perr
	default:
		u := &Unit{
			Job:    job,
			ItemID: step.Item,
			Params: params,
			Weight: 1,
			spawn: func(ctx context.Context, item string) error {
				sib := Task{Plan: Plan{JobID: job.ID, Steps: []Step{{Kind: StepSibling, Item: item}}}}
				return e.enqueue(ctx, sib, 0)
			},
		}
		err = e.execute(ctx, v.Processor, u)
		if err == nil {
			outcome.Kind = OutcomeProcessed
			outcome.Count = max(u.Weight, 0)
		}
	}

	label := "processed"
	if err != nil {
		if IsTransient(err) {
			return err
		}
		outcome.Kind = OutcomeFailed
		outcome.Count = 1
		var te *timeoutError
		if errors.As(err, &te) {
			outcome.Error = fmt.Sprintf("TIMED_OUT: item %s %v", step.Item, err)
			label = "timed_out"
		} else {
			outcome.Error = fmt.Sprintf("PROCESS_FAILED: item %s: %v", step.Item, err)
			label = "failed"
		}
		e.logger.Warn("item failed", "job_id", job.ID, "item_id", step.Item, "error", err)
	}

	applied, err := e.store.RecordOutcome(ctx, job.ID, outcome)
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Info("item outcome already recorded", "job_id", job.ID, "item_id", step.Item)
	} else {
		metrics.RecordUnit(string(job.Type), label)
	}
	return e.enqueue(ctx, t.next(), 0)
}

// runSibling executes a task spawned by a unit. Failures are appended to
// the job as errors only, and only while the job is still active.
func (e *Engine) runSibling(ctx context.Context, t Task, step Step) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	proc, name := e.sibling, e.siblingName
	e.mu.RUnlock()
	if proc == nil || job.CancelRequested {
		return nil
	}

	params, err := job.Params()
	if err == nil {
		err = e.execute(ctx, proc, &Unit{Job: job, ItemID: step.Item, Params: params, Weight: 1})
	}
	if err == nil {
		metrics.RecordUnit(string(job.Type)+"/"+name, "processed")
		return nil
	}
	if IsTransient(err) {
		return err
	}

	e.logger.Warn("sibling task failed", "job_id", job.ID, "item_id", step.Item, "sibling", name, "error", err)
	metrics.RecordUnit(string(job.Type)+"/"+name, "failed")

	// The chain may have finalized the job while the sibling ran. A
	// finished job's errors are final.
	job, gerr := e.store.GetJob(ctx, t.JobID)
	if gerr != nil {
		return gerr
	}
	if job.State.Terminal() {
		e.logger.Info("dropping sibling error for finished job", "job_id", job.ID, "item_id", step.Item, "state", job.State)
		return nil
	}
	return e.note(ctx, t, fmt.Sprintf("%s: item %s: %v", codeFor(name), step.Item, err))
}

// execute runs p under the soft and hard time limits. The soft limit
// cancels the processor's context; the hard limit stops waiting for it.
// Either way the processor's context is cancelled once execute returns, so
// a processor still running past the hard limit cannot write through a
// context-aware store. A panic inside the processor is returned as an
// error.
func (e *Engine) execute(ctx context.Context, p UnitProcessor, u *Unit) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.opts.SoftTimeLimit > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, e.opts.SoftTimeLimit)
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.Process(runCtx, u)
	}()

	var hardC <-chan time.Time
	if e.opts.HardTimeLimit > 0 {
		timer := time.NewTimer(e.opts.HardTimeLimit)
		defer timer.Stop()
		hardC = timer.C
	}

	select {
	case err := <-done:
		if err != nil && e.opts.SoftTimeLimit > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &timeoutError{limit: "soft", after: e.opts.SoftTimeLimit}
		}
		return err
	case <-hardC:
		return &timeoutError{limit: "hard", after: e.opts.HardTimeLimit}
	case <-ctx.Done():
		return Transient(ctx.Err())
	}
}
