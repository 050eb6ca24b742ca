package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows ListJobs. Zero values match everything; Limit 0 means
// no limit.
type ListFilter struct {
	Type   Type
	States []State
	FeedID *uuid.UUID
	Limit  int
	Offset int
}

// Store persists jobs. Every mutation is scoped to a single job row so
// concurrent units of one job never overwrite each other.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)
	FeedExists(ctx context.Context, id uuid.UUID) (bool, error)

	// TransitionJob moves a job to "to" only if its current state is in
	// "from". It reports whether the row changed.
	TransitionJob(ctx context.Context, id uuid.UUID, from []State, to State) (bool, error)
	SetItemCount(ctx context.Context, id uuid.UUID, n int) error
	// RecordOutcome applies o once per (job, o.Key) and reports whether it
	// was applied by this call.
	RecordOutcome(ctx context.Context, id uuid.UUID, o Outcome) (bool, error)
	AppendError(ctx context.Context, id uuid.UUID, msg string) error
	// RequestCancel sets the cancellation flag on an active job and reports
	// whether it did.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)

	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// FeedMutex is the per-feed admission lock.
type FeedMutex interface {
	TryAcquire(ctx context.Context, feedID, jobID uuid.UUID) (bool, error)
	// Release deletes the lock if jobID holds it and reports whether it did.
	Release(ctx context.Context, feedID, jobID uuid.UUID) (bool, error)
	Holder(ctx context.Context, feedID uuid.UUID) (uuid.UUID, bool, error)
}
