package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/muchdogesec/obstracts-sub000/internal/backoff"
	"github.com/muchdogesec/obstracts-sub000/internal/config"
	"github.com/muchdogesec/obstracts-sub000/internal/metrics"
	"github.com/muchdogesec/obstracts-sub000/internal/queue"
)

// Runner polls the queue and hands each message to the engine. It
// encapsulates concurrency limits, polling intervals, redelivery backoff
// and periodic retention cleanup.
type Runner struct {
	cfg    *config.Config
	engine *Engine
	queue  queue.Queue
	retry  backoff.Strategy
	logger *slog.Logger
}

func NewRunner(cfg *config.Config, eng *Engine, q queue.Queue, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		engine: eng,
		queue:  q,
		retry: backoff.NewExponentialWithJitter(
			time.Duration(cfg.Worker.RetryInitialMs)*time.Millisecond,
			time.Duration(cfg.Worker.RetryMaxMs)*time.Millisecond,
		),
		logger: logger,
	}
}

// Start runs the worker loop until ctx is cancelled, then waits for
// in-flight steps to return.
func (r *Runner) Start(ctx context.Context) {
	pollInterval := time.Duration(r.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	maxSteps := r.cfg.Worker.MaxConcurrentSteps
	if maxSteps <= 0 {
		maxSteps = 4
	}

	sem := make(chan struct{}, maxSteps)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.cfg.Retention.Enabled {
			now := time.Now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				if _, err := CleanupExpiredJobs(ctx, r.cfg, r.engine.store); err != nil {
					r.logger.Error("retention cleanup failed", "error", err)
				}
				lastCleanup = now
			}
		}

		// Determine how many new steps we can start based on current concurrency.
		capacity := maxSteps - len(sem)
		for i := 0; i < capacity; i++ {
			msg, err := r.queue.Dequeue(ctx)
			if err != nil {
				r.logger.Error("dequeue failed", "error", err)
				break
			}
			if msg == nil {
				break
			}

			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r.process(ctx, msg)
			}()
		}
	}
}

// Drain processes ready messages one at a time until none is left and
// returns how many it handled.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msg, err := r.queue.Dequeue(ctx)
		if err != nil {
			return n, err
		}
		if msg == nil {
			return n, nil
		}
		r.process(ctx, msg)
		n++
	}
}

func (r *Runner) process(ctx context.Context, msg *queue.Message) {
	err := r.engine.Handle(ctx, msg.Body)
	if err == nil {
		if err := r.queue.Ack(ctx, msg); err != nil {
			r.logger.Error("ack failed", "message_id", msg.ID, "error", err)
		}
		return
	}

	if msg.Deliveries >= r.cfg.Worker.MaxDeliveries {
		metrics.RecordQueueDrop()
		r.logger.Error("dropping step after repeated failures",
			"message_id", msg.ID,
			"deliveries", msg.Deliveries,
			"error", err,
		)
		if aerr := r.engine.Abandon(ctx, msg.Body, err); aerr != nil {
			r.logger.Error("could not move abandoned chain forward", "message_id", msg.ID, "error", aerr)
		}
		if err := r.queue.Ack(ctx, msg); err != nil {
			r.logger.Error("ack failed", "message_id", msg.ID, "error", err)
		}
		return
	}

	delay := r.retry.Delay(msg.Deliveries)
	metrics.RecordQueueRetry()
	r.logger.Warn("step failed, retrying",
		"message_id", msg.ID,
		"deliveries", msg.Deliveries,
		"retry_in_ms", delay.Milliseconds(),
		"error", err,
	)
	if err := r.queue.Nack(ctx, msg, delay); err != nil {
		r.logger.Error("nack failed", "message_id", msg.ID, "error", err)
	}
}
