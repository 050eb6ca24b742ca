package jobs

import (
	"context"
	"log/slog"
)

// ReconcileStats counts the jobs moved by ReconcileOnStartup.
type ReconcileStats struct {
	RetrieveFailed int `json:"retrieve_failed"`
	Cancelled      int `json:"cancelled"`
}

// ReconcileOnStartup is the crash-recovery sweep run once when a worker
// process starts: jobs left in RETRIEVING become RETRIEVE_FAILED and jobs
// left in QUEUED or PROCESSING become CANCELLED. Feed locks still held by
// a reconciled job are released; mutex may be nil.
//
// Only run it when no other worker is processing jobs.
func ReconcileOnStartup(ctx context.Context, st Store, mutex FeedMutex, logger *slog.Logger) (ReconcileStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ReconcileStats

	retrieving, err := st.ListJobs(ctx, ListFilter{States: []State{StateRetrieving}})
	if err != nil {
		return stats, err
	}
	for _, job := range retrieving {
		changed, err := st.TransitionJob(ctx, job.ID, []State{StateRetrieving}, StateRetrieveFailed)
		if err != nil {
			return stats, err
		}
		if !changed {
			continue
		}
		if err := st.AppendError(ctx, job.ID, "RETRIEVE_FAILED: worker restarted before retrieval finished"); err != nil {
			return stats, err
		}
		stats.RetrieveFailed++
		if err := releaseFeed(ctx, mutex, job, logger); err != nil {
			return stats, err
		}
		logger.Warn("reconciled stuck job", "job_id", job.ID, "from", job.State, "to", StateRetrieveFailed)
	}

	active, err := st.ListJobs(ctx, ListFilter{States: []State{StateQueued, StateProcessing}})
	if err != nil {
		return stats, err
	}
	for _, job := range active {
		if _, err := st.RequestCancel(ctx, job.ID); err != nil {
			return stats, err
		}
		changed, err := st.TransitionJob(ctx, job.ID, []State{StateQueued, StateProcessing}, StateCancelled)
		if err != nil {
			return stats, err
		}
		if !changed {
			continue
		}
		if err := st.AppendError(ctx, job.ID, "CANCELLED: worker restarted while the job was active"); err != nil {
			return stats, err
		}
		stats.Cancelled++
		if err := releaseFeed(ctx, mutex, job, logger); err != nil {
			return stats, err
		}
		logger.Warn("reconciled stuck job", "job_id", job.ID, "from", job.State, "to", StateCancelled)
	}

	return stats, nil
}

// releaseFeed drops the job's feed lock if the job still owns it.
func releaseFeed(ctx context.Context, mutex FeedMutex, job *Job, logger *slog.Logger) error {
	feedID, ok := job.ExclusiveFeed()
	if mutex == nil || !ok {
		return nil
	}
	released, err := mutex.Release(ctx, feedID, job.ID)
	if err != nil {
		return err
	}
	if released {
		logger.Info("released feed lock of reconciled job", "job_id", job.ID, "feed_id", feedID)
	}
	return nil
}
