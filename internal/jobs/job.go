package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrFeedNotFound = errors.New("feed not found")
	ErrInvalidJob   = errors.New("invalid job")
	ErrDuplicateJob = errors.New("job already exists")
)

// Job is the persisted record of one logical run.
type Job struct {
	ID              uuid.UUID      `json:"id"`
	Type            Type           `json:"type"`
	FeedID          *uuid.UUID     `json:"feed_id"`
	State           State          `json:"state"`
	ItemCount       int            `json:"item_count"`
	ProcessedItems  int            `json:"processed_items"`
	FailedProcesses int            `json:"failed_processes"`
	Errors          []string       `json:"errors"`
	Extra           map[string]any `json:"extra"`
	CancelRequested bool           `json:"cancel_requested"`
	Created         time.Time      `json:"created"`
	Updated         time.Time      `json:"updated"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// ExclusiveFeed returns the feed whose lock this job must hold.
func (j *Job) ExclusiveFeed() (uuid.UUID, bool) {
	if j.FeedID == nil || !j.Type.Exclusive() {
		return uuid.Nil, false
	}
	return *j.FeedID, true
}

func (j *Job) Params() (Params, error) {
	return DecodeParams(j.Extra)
}

// Params is the typed view of Job.Extra.
type Params struct {
	Profile         string   `json:"profile,omitempty"`
	SkipExtraction  bool     `json:"skip_extraction,omitempty"`
	ReuseExtraction bool     `json:"reuse_extraction,omitempty"`
	GeneratePDF     bool     `json:"generate_pdf,omitempty"`
	UseBrowser      bool     `json:"use_browser,omitempty"`
	CookieMode      string   `json:"cookie_mode,omitempty"`
	URLs            []string `json:"urls,omitempty"`
	PostIDs         []string `json:"post_ids,omitempty"`
	BatchSize       int      `json:"batch_size,omitempty"`
}

func DecodeParams(extra map[string]any) (Params, error) {
	var p Params
	if len(extra) == 0 {
		return p, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return p, fmt.Errorf("%w: extra: %v", ErrInvalidJob, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: extra: %v", ErrInvalidJob, err)
	}
	return p, nil
}

// PostUUIDs parses PostIDs.
func (p Params) PostUUIDs() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(p.PostIDs))
	for _, raw := range p.PostIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: post_ids: %q is not a valid id", ErrInvalidJob, raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p Params) validate(t Type) error {
	if p.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must not be negative", ErrInvalidJob)
	}
	if p.SkipExtraction && p.ReuseExtraction {
		return fmt.Errorf("%w: skip_extraction and reuse_extraction are mutually exclusive", ErrInvalidJob)
	}
	if _, err := p.PostUUIDs(); err != nil {
		return err
	}
	if t == TypePostBackfill && len(p.URLs) == 0 {
		return fmt.Errorf("%w: %s requires at least one url", ErrInvalidJob, t)
	}
	for _, raw := range p.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: urls: %q is not an http(s) url", ErrInvalidJob, raw)
		}
	}
	return nil
}

// OutcomeKind says how an Outcome moves the job's counters.
type OutcomeKind string

const (
	// OutcomeProcessed adds Count to processed_items.
	OutcomeProcessed OutcomeKind = "processed"
	// OutcomeFailed adds Count to failed_processes.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeNote only appends Error. Cancellations and sibling failures
	// are notes so they never count as failures.
	OutcomeNote OutcomeKind = "note"
)

// Outcome is the result of one step, applied at most once per Key.
type Outcome struct {
	Key   string
	Kind  OutcomeKind
	Count int
	Error string
}

// TransientError marks an infrastructure failure that should be retried by
// the queue instead of being recorded against the item.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
