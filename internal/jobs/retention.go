package jobs

import (
	"context"
	"time"

	"github.com/muchdogesec/obstracts-sub000/internal/config"
	"github.com/muchdogesec/obstracts-sub000/internal/metrics"
)

// CleanupExpiredJobs deletes finished jobs older than retention.jobDays so
// the jobs table does not grow without bound. Active jobs are never
// touched.
func CleanupExpiredJobs(ctx context.Context, cfg *config.Config, st Store) (int64, error) {
	if cfg.Retention.JobDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Retention.JobDays)
	n, err := st.DeleteFinishedJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.RecordRetentionJobs(n)
	return n, nil
}
