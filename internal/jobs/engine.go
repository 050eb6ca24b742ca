package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/backoff"
	"github.com/muchdogesec/obstracts-sub000/internal/queue"
)

// Retrieval is the resolved work-item list for a job. Total is written to
// item_count; it defaults to len(Items) and may be larger when each item
// stands for a batch.
type Retrieval struct {
	Items []string
	Total int
}

// Retriever resolves the items of a job before its plan is built.
type Retriever interface {
	Retrieve(ctx context.Context, job *Job, params Params) (Retrieval, error)
}

// UnitProcessor executes exactly one work item. A returned error counts
// as an item failure unless it is wrapped with Transient.
type UnitProcessor interface {
	Process(ctx context.Context, u *Unit) error
}

// ParamValidator is implemented by processors that check job parameters
// when the job is created.
type ParamValidator interface {
	ValidateParams(p Params) error
}

// Variant is the retrieval and processing behaviour of one job type.
type Variant struct {
	Retriever Retriever
	Processor UnitProcessor
}

type Options struct {
	LockRetryDelay  time.Duration
	LockMaxAttempts int
	SoftTimeLimit   time.Duration
	HardTimeLimit   time.Duration
}

// Engine creates jobs and interprets their plans one queue message at a
// time. It keeps no state of its own between messages.
type Engine struct {
	store  Store
	mutex  FeedMutex
	queue  queue.Queue
	opts   Options
	logger *slog.Logger

	lockBackoff backoff.Strategy

	mu          sync.RWMutex
	variants    map[Type]Variant
	sibling     UnitProcessor
	siblingName string
}

func NewEngine(st Store, mu FeedMutex, q queue.Queue, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockMaxAttempts <= 0 {
		opts.LockMaxAttempts = 300
	}
	return &Engine{
		store:       st,
		mutex:       mu,
		queue:       q,
		opts:        opts,
		logger:      logger,
		lockBackoff: backoff.NewConstant(opts.LockRetryDelay),
		variants:    make(map[Type]Variant),
	}
}

func (e *Engine) Register(t Type, v Variant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.variants[t] = v
}

// RegisterSibling installs the processor that units may trigger through
// Unit.Spawn. Its failures are appended to the job as "<NAME>_FAILED"
// errors and never move the counters.
func (e *Engine) RegisterSibling(name string, p UnitProcessor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sibling = p
	e.siblingName = name
}

func (e *Engine) variant(t Type) (Variant, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.variants[t]
	return v, ok
}

// CreateRequest describes a job to create. ID is generated when nil.
type CreateRequest struct {
	ID     *uuid.UUID
	Type   Type
	FeedID *uuid.UUID
	Extra  map[string]any
}

// CreateJob validates and persists a job, then schedules its retrieval.
func (e *Engine) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidJob, req.Type)
	}
	v, ok := e.variant(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no processor registered for %s", ErrInvalidJob, req.Type)
	}
	if req.FeedID == nil && req.Type.FeedRequired() {
		return nil, fmt.Errorf("%w: %s requires a feed", ErrInvalidJob, req.Type)
	}
	if req.FeedID != nil && !req.Type.FeedAllowed() {
		return nil, fmt.Errorf("%w: %s does not take a feed", ErrInvalidJob, req.Type)
	}

	params, err := DecodeParams(req.Extra)
	if err != nil {
		return nil, err
	}
	if err := params.validate(req.Type); err != nil {
		return nil, err
	}
	if pv, ok := v.Processor.(ParamValidator); ok {
		if err := pv.ValidateParams(params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}

	if req.FeedID != nil {
		exists, err := e.store.FeedExists(ctx, *req.FeedID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrFeedNotFound
		}
	}

	id := uuid.Nil
	if req.ID != nil {
		id = *req.ID
	} else {
		id, err = uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
	}

	extra := req.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	now := time.Now().UTC()
	job := &Job{
		ID:      id,
		Type:    req.Type,
		FeedID:  req.FeedID,
		State:   req.Type.InitialState(),
		Errors:  []string{},
		Extra:   extra,
		Created: now,
		Updated: now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	task := Task{Plan: Plan{JobID: job.ID, Steps: []Step{{Kind: StepRetrieve}}}}
	if err := e.enqueue(ctx, task, 0); err != nil {
		msg := "RETRIEVE_FAILED: could not schedule job: " + err.Error()
		_ = e.store.AppendError(ctx, job.ID, msg)
		_, _ = e.store.TransitionJob(ctx, job.ID, ActiveStates, StateRetrieveFailed)
		return nil, err
	}

	e.logger.Info("job created", "job_id", job.ID, "type", job.Type, "feed_id", feedAttr(job.FeedID))
	return job, nil
}

func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return e.store.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// CancelJob sets the cooperative cancellation flag. In-flight units finish;
// later units record a cancellation instead of doing work, and the
// finalizer writes CANCELLED. Cancelling a finished job does nothing.
func (e *Engine) CancelJob(ctx context.Context, id uuid.UUID) error {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	changed, err := e.store.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		e.logger.Info("job cancellation requested", "job_id", id, "state", job.State)
	}
	return nil
}

// Handle executes the current step of an encoded Task and schedules its
// continuation. A returned error means the message should be redelivered.
func (e *Engine) Handle(ctx context.Context, body []byte) error {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		e.logger.Error("discarding undecodable task", "error", err)
		return nil
	}
	step, ok := t.Current()
	if !ok {
		e.logger.Error("discarding task with cursor out of range", "job_id", t.JobID, "cursor", t.Cursor)
		return nil
	}

	var err error
	switch step.Kind {
	case StepRetrieve:
		err = e.retrieve(ctx, t)
	case StepAwaitMutex:
		err = e.awaitMutex(ctx, t)
	case StepBegin:
		err = e.begin(ctx, t)
	case StepUnit:
		err = e.unit(ctx, t, step)
	case StepSibling:
		err = e.runSibling(ctx, t, step)
	case StepFinalize:
		err = e.finalize(ctx, t.JobID, t.Abort)
	default:
		e.logger.Error("discarding task with unknown step", "job_id", t.JobID, "step", step.Kind)
		return nil
	}

	if errors.Is(err, ErrJobNotFound) {
		e.logger.Warn("job no longer exists, dropping step", "job_id", t.JobID, "step", step.Kind)
		return nil
	}
	return err
}

// Abandon is called when a step keeps failing with infrastructure errors
// and the queue gives up on it. The chain is moved on so the job still
// reaches a terminal state and releases its feed lock.
func (e *Engine) Abandon(ctx context.Context, body []byte, cause error) error {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil
	}
	step, ok := t.Current()
	if !ok {
		return nil
	}

	switch step.Kind {
	case StepFinalize, StepSibling:
		return nil
	case StepUnit:
		_, err := e.store.RecordOutcome(ctx, t.JobID, Outcome{
			Key:   t.itemKey(),
			Kind:  OutcomeFailed,
			Count: 1,
			Error: fmt.Sprintf("PROCESS_FAILED: item %s abandoned after repeated infrastructure errors: %v", step.Item, cause),
		})
		if err != nil {
			return err
		}
		return e.enqueue(ctx, t.next(), 0)
	case StepRetrieve:
		if err := e.note(ctx, t, "RETRIEVE_FAILED: retrieval abandoned after repeated infrastructure errors: "+cause.Error()); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortRetrieve), 0)
	default:
		if err := e.note(ctx, t, fmt.Sprintf("PROCESS_FAILED: %s abandoned after repeated infrastructure errors: %v", step.Kind, cause)); err != nil {
			return err
		}
		return e.enqueue(ctx, t.toFinalize(AbortInfra), 0)
	}
}

func (e *Engine) enqueue(ctx context.Context, t Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return e.queue.Enqueue(ctx, body, delay)
}

// note appends msg to the job once for the current step.
func (e *Engine) note(ctx context.Context, t Task, msg string) error {
	_, err := e.store.RecordOutcome(ctx, t.JobID, Outcome{Key: t.itemKey(), Kind: OutcomeNote, Error: msg})
	return err
}

func feedAttr(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func codeFor(name string) string {
	return strings.ToUpper(name) + "_FAILED"
}
