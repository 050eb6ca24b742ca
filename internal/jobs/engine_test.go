package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/muchdogesec/obstracts-sub000/internal/config"
	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/lock"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
	"github.com/muchdogesec/obstracts-sub000/internal/queue"
	"github.com/muchdogesec/obstracts-sub000/internal/store"
)

type fakeRetriever struct {
	items []string
	total int
	err   error
}

func (r fakeRetriever) Retrieve(ctx context.Context, job *jobs.Job, p jobs.Params) (jobs.Retrieval, error) {
	return jobs.Retrieval{Items: r.items, Total: r.total}, r.err
}

type funcProcessor func(ctx context.Context, u *jobs.Unit) error

func (f funcProcessor) Process(ctx context.Context, u *jobs.Unit) error { return f(ctx, u) }

func okProcessor() funcProcessor {
	return func(ctx context.Context, u *jobs.Unit) error { return nil }
}

type harness struct {
	st     *store.Memory
	mu     *lock.MemoryMutex
	q      *queue.MemoryQueue
	eng    *jobs.Engine
	runner *jobs.Runner
	feed   *model.Feed
}

func newHarness(t *testing.T, opts jobs.Options) *harness {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("config.Parse error: %v", err)
	}
	cfg.Worker.RetryInitialMs = 0
	cfg.Worker.MaxDeliveries = 3

	if opts.LockMaxAttempts == 0 {
		opts.LockMaxAttempts = 50
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		st: store.NewMemory(),
		mu: lock.NewMemoryMutex(time.Hour),
		q:  queue.NewMemoryQueue(),
	}
	h.eng = jobs.NewEngine(h.st, h.mu, h.q, opts, logger)
	h.runner = jobs.NewRunner(cfg, h.eng, h.q, logger)

	h.feed = &model.Feed{URL: "https://blog.example.com/feed"}
	if err := h.st.CreateFeed(context.Background(), h.feed); err != nil {
		t.Fatalf("CreateFeed error: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, typ jobs.Type, extra map[string]any) *jobs.Job {
	t.Helper()
	req := jobs.CreateRequest{Type: typ, Extra: extra}
	if typ.FeedAllowed() {
		id := h.feed.ID
		req.FeedID = &id
	}
	job, err := h.eng.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return job
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if _, err := h.runner.Drain(context.Background()); err != nil {
		t.Fatalf("Drain error: %v", err)
	}
}

func (h *harness) get(t *testing.T, id uuid.UUID) *jobs.Job {
	t.Helper()
	job, err := h.eng.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	return job
}

func (h *harness) assertUnlocked(t *testing.T) {
	t.Helper()
	if holder, held, _ := h.mu.Holder(context.Background(), h.feed.ID); held {
		t.Fatalf("expected feed lock to be released, still held by %s", holder)
	}
}

func countContaining(errs []string, sub string) int {
	n := 0
	for _, e := range errs {
		if strings.Contains(e, sub) {
			n++
		}
	}
	return n
}

func TestPartialFailureFinishesProcessed(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"post-1", "post-2", "post-3"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			if u.ItemID == "post-2" {
				return errors.New("extraction exploded")
			}
			return nil
		}),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	if job.State != jobs.StateRetrieving {
		t.Fatalf("expected new FEED_INDEX job to start RETRIEVING, got %s", job.State)
	}
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessed {
		t.Fatalf("expected PROCESSED, got %s (errors %v)", got.State, got.Errors)
	}
	if got.ProcessedItems != 2 || got.FailedProcesses != 1 {
		t.Fatalf("expected processed=2 failed=1, got processed=%d failed=%d", got.ProcessedItems, got.FailedProcesses)
	}
	if got.ItemCount != 3 {
		t.Fatalf("expected item_count 3, got %d", got.ItemCount)
	}
	if got.ProcessedItems+got.FailedProcesses > got.ItemCount {
		t.Fatalf("counters exceed dispatched items: %+v", got)
	}
	if countContaining(got.Errors, "PROCESS_FAILED: item post-2") != 1 {
		t.Fatalf("expected one error for post-2, got %v", got.Errors)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	h.assertUnlocked(t)
}

func TestLockStarvationFailsJob(t *testing.T) {
	h := newHarness(t, jobs.Options{LockMaxAttempts: 5})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"post-1"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			t.Errorf("unit must not run without the feed lock")
			return nil
		}),
	})

	other := uuid.New()
	if ok, _ := h.mu.TryAcquire(context.Background(), h.feed.ID, other); !ok {
		t.Fatalf("expected to pre-acquire the feed lock")
	}

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessFailed {
		t.Fatalf("expected PROCESS_FAILED, got %s", got.State)
	}
	if got.ProcessedItems != 0 || got.FailedProcesses != 0 {
		t.Fatalf("expected untouched counters, got processed=%d failed=%d", got.ProcessedItems, got.FailedProcesses)
	}
	if countContaining(got.Errors, "could not acquire lock") != 1 {
		t.Fatalf("expected a lock starvation error, got %v", got.Errors)
	}
	if holder, held, _ := h.mu.Holder(context.Background(), h.feed.ID); !held || holder != other {
		t.Fatalf("expected the other job to keep its lock, got holder=%s held=%v", holder, held)
	}
}

func TestCancelMidFlight(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	var calls atomic.Int32
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"post-1", "post-2", "post-3"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			if calls.Add(1) == 1 {
				return h.eng.CancelJob(ctx, u.Job.ID)
			}
			t.Errorf("unit %s ran after cancellation", u.ItemID)
			return nil
		}),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.State)
	}
	if got.ProcessedItems != 1 || got.FailedProcesses != 0 {
		t.Fatalf("expected processed=1 failed=0, got processed=%d failed=%d", got.ProcessedItems, got.FailedProcesses)
	}
	if n := countContaining(got.Errors, "CANCELLED"); n != 2 {
		t.Fatalf("expected 2 cancellation errors, got %d (%v)", n, got.Errors)
	}
	h.assertUnlocked(t)
}

func TestCancelBeforeDispatch(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"post-1", "post-2"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			t.Errorf("unit must not run for a cancelled job")
			return nil
		}),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	if err := h.eng.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateCancelled || got.FailedProcesses != 0 {
		t.Fatalf("expected CANCELLED with no failures, got %s failed=%d", got.State, got.FailedProcesses)
	}
	h.assertUnlocked(t)
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{Retriever: fakeRetriever{}, Processor: okProcessor()})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)
	if err := h.eng.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessed || got.CancelRequested {
		t.Fatalf("expected finished job to stay PROCESSED without cancel flag, got %s cancel=%v", got.State, got.CancelRequested)
	}

	if err := h.eng.CancelJob(context.Background(), uuid.New()); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for unknown job, got %v", err)
	}
}

func TestAllUnitsFail(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeReprocessPosts, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a", "b", "c"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			return fmt.Errorf("no stored content for %s", u.ItemID)
		}),
	})

	job := h.create(t, jobs.TypeReprocessPosts, nil)
	if job.State != jobs.StateQueued {
		t.Fatalf("expected REPROCESS_POSTS job to start QUEUED, got %s", job.State)
	}
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessFailed {
		t.Fatalf("expected PROCESS_FAILED, got %s", got.State)
	}
	if got.FailedProcesses != 3 || len(got.Errors) < 3 {
		t.Fatalf("expected 3 failures with errors, got failed=%d errors=%v", got.FailedProcesses, got.Errors)
	}
	h.assertUnlocked(t)
}

func TestZeroItemsReachesTerminalState(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{Retriever: fakeRetriever{}, Processor: okProcessor()})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.State)
	}
	h.assertUnlocked(t)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error { return errors.New("boom") }),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)
	before := h.get(t, job.ID)

	for i := 0; i < 2; i++ {
		if err := h.eng.Finalize(context.Background(), job.ID); err != nil {
			t.Fatalf("Finalize error: %v", err)
		}
	}
	after := h.get(t, job.ID)
	if after.State != before.State || after.FailedProcesses != before.FailedProcesses {
		t.Fatalf("expected finalize to be a no-op, before=%s after=%s", before.State, after.State)
	}
	h.assertUnlocked(t)
}

func TestFinalizeDoesNotReleaseAnotherJobsLock(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{Retriever: fakeRetriever{}, Processor: okProcessor()})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	other := uuid.New()
	_, _ = h.mu.TryAcquire(context.Background(), h.feed.ID, other)
	if err := h.eng.Finalize(context.Background(), job.ID); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if holder, held, _ := h.mu.Holder(context.Background(), h.feed.ID); !held || holder != other {
		t.Fatalf("expected lock of job %s to survive, got holder=%s held=%v", other, holder, held)
	}
}

func TestTimeoutsAreRecordedDistinctly(t *testing.T) {
	h := newHarness(t, jobs.Options{SoftTimeLimit: 20 * time.Millisecond, HardTimeLimit: 60 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"soft", "hard", "fine"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			switch u.ItemID {
			case "soft":
				<-ctx.Done()
				return ctx.Err()
			case "hard":
				<-release
			}
			return nil
		}),
	})

	job := h.create(t, jobs.TypePDFIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.ProcessedItems != 1 || got.FailedProcesses != 2 {
		t.Fatalf("expected processed=1 failed=2, got processed=%d failed=%d", got.ProcessedItems, got.FailedProcesses)
	}
	if countContaining(got.Errors, "TIMED_OUT: item soft") != 1 || countContaining(got.Errors, "TIMED_OUT: item hard") != 1 {
		t.Fatalf("expected soft and hard timeout errors, got %v", got.Errors)
	}
	if countContaining(got.Errors, "hard time limit") != 1 {
		t.Fatalf("expected the hard limit to be named, got %v", got.Errors)
	}
	if got.State != jobs.StateProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.State)
	}
}

func TestHardLimitCancelsAbandonedProcessor(t *testing.T) {
	h := newHarness(t, jobs.Options{HardTimeLimit: 30 * time.Millisecond})
	release := make(chan struct{})
	observed := make(chan error, 1)
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"stuck"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			<-release
			observed <- ctx.Err()
			return nil
		}),
	})

	job := h.create(t, jobs.TypePDFIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.FailedProcesses != 1 || countContaining(got.Errors, "hard time limit") != 1 {
		t.Fatalf("expected a hard timeout, got failed=%d errors=%v", got.FailedProcesses, got.Errors)
	}

	close(release)
	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the abandoned processor's context to be cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("processor never resumed")
	}
}

func TestPanicBecomesItemFailure(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a", "b"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			if u.ItemID == "a" {
				panic("nil renderer")
			}
			return nil
		}),
	})

	job := h.create(t, jobs.TypePDFIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.ProcessedItems != 1 || got.FailedProcesses != 1 {
		t.Fatalf("expected processed=1 failed=1, got processed=%d failed=%d", got.ProcessedItems, got.FailedProcesses)
	}
	if countContaining(got.Errors, "panic: nil renderer") != 1 {
		t.Fatalf("expected panic to be recorded, got %v", got.Errors)
	}
}

func TestTransientErrorIsRedelivered(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	var calls atomic.Int32
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			if calls.Add(1) == 1 {
				return jobs.Transient(errors.New("object store unreachable"))
			}
			return nil
		}),
	})

	job := h.create(t, jobs.TypePDFIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if calls.Load() != 2 {
		t.Fatalf("expected the unit to run twice, ran %d times", calls.Load())
	}
	if got.State != jobs.StateProcessed || got.ProcessedItems != 1 || got.FailedProcesses != 0 {
		t.Fatalf("expected PROCESSED with one item, got %s processed=%d failed=%d", got.State, got.ProcessedItems, got.FailedProcesses)
	}
}

func TestAbandonedUnitCountsAsFailure(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			return jobs.Transient(errors.New("database down"))
		}),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessFailed || got.FailedProcesses != 1 {
		t.Fatalf("expected PROCESS_FAILED with one failure, got %s failed=%d", got.State, got.FailedProcesses)
	}
	if countContaining(got.Errors, "abandoned") != 1 {
		t.Fatalf("expected abandonment error, got %v", got.Errors)
	}
	h.assertUnlocked(t)
}

func TestRetrieveFailure(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{err: errors.New("feed returned 404")},
		Processor: okProcessor(),
	})

	job := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateRetrieveFailed {
		t.Fatalf("expected RETRIEVE_FAILED, got %s", got.State)
	}
	if countContaining(got.Errors, "RETRIEVE_FAILED: feed returned 404") != 1 {
		t.Fatalf("expected retrieval error, got %v", got.Errors)
	}
	h.assertUnlocked(t)
}

func TestFailFastSkipsRemainingBatches(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	var ran []string
	h.eng.Register(jobs.TypeSyncVulnerabilities, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"0", "100", "200"}, total: 250},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			ran = append(ran, u.ItemID)
			if u.ItemID == "100" {
				return errors.New("nvd unavailable")
			}
			u.Weight = 100
			return nil
		}),
	})

	job := h.create(t, jobs.TypeSyncVulnerabilities, nil)
	if job.FeedID != nil {
		t.Fatalf("expected vulnerability sync to have no feed")
	}
	h.drain(t)

	got := h.get(t, job.ID)
	if len(ran) != 2 {
		t.Fatalf("expected the batch after the failure to be skipped, ran %v", ran)
	}
	if got.ItemCount != 250 || got.ProcessedItems != 100 || got.FailedProcesses != 1 {
		t.Fatalf("unexpected counters: item_count=%d processed=%d failed=%d", got.ItemCount, got.ProcessedItems, got.FailedProcesses)
	}
	if got.State != jobs.StateProcessFailed {
		t.Fatalf("expected PROCESS_FAILED, got %s", got.State)
	}
}

func TestSiblingFailureOnlyAppendsError(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a", "b"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			return u.Spawn(ctx, u.ItemID)
		}),
	})
	h.eng.RegisterSibling("pdf", funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
		if u.ItemID == "b" {
			return errors.New("renderer timed out")
		}
		return nil
	}))

	job := h.create(t, jobs.TypeFeedIndex, map[string]any{"generate_pdf": true})
	h.drain(t)

	got := h.get(t, job.ID)
	if got.State != jobs.StateProcessed || got.ProcessedItems != 2 || got.FailedProcesses != 0 {
		t.Fatalf("expected PROCESSED 2/0, got %s %d/%d", got.State, got.ProcessedItems, got.FailedProcesses)
	}
	if countContaining(got.Errors, "PDF_FAILED: item b") != 1 {
		t.Fatalf("expected sibling error, got %v", got.Errors)
	}
}

func TestSiblingErrorDroppedAfterFinalize(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			return u.Spawn(ctx, u.ItemID)
		}),
	})
	rendered := 0
	h.eng.RegisterSibling("pdf", funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
		rendered++
		// Another worker finalizes the job while the render runs.
		if _, err := h.st.TransitionJob(ctx, u.Job.ID, jobs.ActiveStates, jobs.StateProcessed); err != nil {
			return err
		}
		return errors.New("renderer timed out")
	}))

	job := h.create(t, jobs.TypeFeedIndex, map[string]any{"generate_pdf": true})
	h.drain(t)

	got := h.get(t, job.ID)
	if rendered != 1 {
		t.Fatalf("expected the sibling to run once, got %d", rendered)
	}
	if got.State != jobs.StateProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.State)
	}
	if countContaining(got.Errors, "PDF_FAILED") != 0 {
		t.Fatalf("expected no sibling error on a finished job, got %v", got.Errors)
	}
	h.assertUnlocked(t)
}

func TestSameFeedJobsNeverOverlap(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypeFeedIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a", "b", "c"}},
		Processor: funcProcessor(func(ctx context.Context, u *jobs.Unit) error {
			feedID := *u.Job.FeedID
			active, err := h.st.ListJobs(ctx, jobs.ListFilter{FeedID: &feedID, States: []jobs.State{jobs.StateProcessing}})
			if err != nil {
				return err
			}
			if len(active) != 1 || active[0].ID != u.Job.ID {
				t.Errorf("expected only job %s to be PROCESSING, got %d jobs", u.Job.ID, len(active))
			}
			return nil
		}),
	})

	first := h.create(t, jobs.TypeFeedIndex, nil)
	second := h.create(t, jobs.TypeFeedIndex, nil)
	h.drain(t)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		got := h.get(t, id)
		if got.State != jobs.StateProcessed || got.ProcessedItems != 3 {
			t.Fatalf("expected job %s PROCESSED with 3 items, got %s %d", id, got.State, got.ProcessedItems)
		}
	}
	h.assertUnlocked(t)
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	for _, typ := range jobs.Types {
		h.eng.Register(typ, jobs.Variant{Retriever: fakeRetriever{}, Processor: okProcessor()})
	}
	ctx := context.Background()
	feedID := h.feed.ID
	missing := uuid.New()

	cases := []struct {
		name string
		req  jobs.CreateRequest
		want error
	}{
		{"unknown type", jobs.CreateRequest{Type: "FEED_DELETE"}, jobs.ErrInvalidJob},
		{"feed required", jobs.CreateRequest{Type: jobs.TypeFeedIndex}, jobs.ErrInvalidJob},
		{"feed not allowed", jobs.CreateRequest{Type: jobs.TypeSyncVulnerabilities, FeedID: &feedID}, jobs.ErrInvalidJob},
		{"unknown feed", jobs.CreateRequest{Type: jobs.TypeFeedIndex, FeedID: &missing}, jobs.ErrFeedNotFound},
		{"backfill without urls", jobs.CreateRequest{Type: jobs.TypePostBackfill, FeedID: &feedID}, jobs.ErrInvalidJob},
		{"backfill bad url", jobs.CreateRequest{Type: jobs.TypePostBackfill, FeedID: &feedID, Extra: map[string]any{"urls": []any{"ftp://x/y"}}}, jobs.ErrInvalidJob},
		{"bad post id", jobs.CreateRequest{Type: jobs.TypePDFIndex, Extra: map[string]any{"post_ids": []any{"nope"}}}, jobs.ErrInvalidJob},
	}
	for _, tc := range cases {
		if _, err := h.eng.CreateJob(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	id := uuid.New()
	if _, err := h.eng.CreateJob(ctx, jobs.CreateRequest{ID: &id, Type: jobs.TypeSyncVulnerabilities}); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := h.eng.CreateJob(ctx, jobs.CreateRequest{ID: &id, Type: jobs.TypeSyncVulnerabilities}); !errors.Is(err, jobs.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob for reused id, got %v", err)
	}
}

func TestReconcileOnStartup(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	ctx := context.Background()

	mk := func(state jobs.State) uuid.UUID {
		j := &jobs.Job{ID: uuid.New(), Type: jobs.TypeFeedIndex, State: state, Created: time.Now().UTC()}
		if err := h.st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob error: %v", err)
		}
		return j.ID
	}
	retrieving := mk(jobs.StateRetrieving)
	queued := mk(jobs.StateQueued)
	processing := mk(jobs.StateProcessing)
	done := mk(jobs.StateProcessed)

	// The PROCESSING job holds its feed's lock; another feed is locked by
	// a job that is not reconciled.
	feedID := h.feed.ID
	holding := &jobs.Job{ID: uuid.New(), Type: jobs.TypeFeedIndex, FeedID: &feedID, State: jobs.StateProcessing, Created: time.Now().UTC()}
	if err := h.st.CreateJob(ctx, holding); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if ok, _ := h.mu.TryAcquire(ctx, feedID, holding.ID); !ok {
		t.Fatalf("expected lock acquire to succeed")
	}
	otherFeed, otherJob := uuid.New(), uuid.New()
	_, _ = h.mu.TryAcquire(ctx, otherFeed, otherJob)

	stats, err := jobs.ReconcileOnStartup(ctx, h.st, h.mu, nil)
	if err != nil {
		t.Fatalf("ReconcileOnStartup error: %v", err)
	}
	if stats.RetrieveFailed != 1 || stats.Cancelled != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	h.assertUnlocked(t)
	if holder, held, _ := h.mu.Holder(ctx, otherFeed); !held || holder != otherJob {
		t.Fatalf("expected unrelated lock to survive, got holder=%s held=%v", holder, held)
	}

	want := map[uuid.UUID]jobs.State{
		retrieving: jobs.StateRetrieveFailed,
		queued:     jobs.StateCancelled,
		processing: jobs.StateCancelled,
		done:       jobs.StateProcessed,
	}
	for id, state := range want {
		got := h.get(t, id)
		if got.State != state {
			t.Fatalf("job %s: expected %s, got %s", id, state, got.State)
		}
		if state == jobs.StateCancelled && !got.CancelRequested {
			t.Fatalf("job %s: expected cancel flag so queued steps stand down", id)
		}
	}
}

func TestRunnerStartProcessesJobs(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{
		Retriever: fakeRetriever{items: []string{"a", "b", "c", "d"}},
		Processor: okProcessor(),
	})

	cfg, _ := config.Parse(strings.NewReader("worker:\n  pollIntervalMs: 5\n  maxConcurrentSteps: 2\n"))
	runner := jobs.NewRunner(cfg, h.eng, h.q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	job := h.create(t, jobs.TypePDFIndex, nil)
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := h.get(t, job.ID)
		if got.State.Terminal() {
			if got.State != jobs.StateProcessed || got.ProcessedItems != 4 {
				t.Fatalf("expected PROCESSED with 4 items, got %s %d", got.State, got.ProcessedItems)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish, state %s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestCleanupExpiredJobs(t *testing.T) {
	h := newHarness(t, jobs.Options{})
	h.eng.Register(jobs.TypePDFIndex, jobs.Variant{Retriever: fakeRetriever{}, Processor: okProcessor()})
	job := h.create(t, jobs.TypePDFIndex, nil)
	h.drain(t)

	cfg, _ := config.Parse(strings.NewReader("retention:\n  jobDays: 1\n"))
	n, err := jobs.CleanupExpiredJobs(context.Background(), cfg, h.st)
	if err != nil || n != 0 {
		t.Fatalf("expected fresh job to survive, got n=%d err=%v", n, err)
	}

	cfg.Retention.JobDays = 0
	if n, _ := jobs.CleanupExpiredJobs(context.Background(), cfg, h.st); n != 0 {
		t.Fatalf("expected disabled retention to delete nothing, got %d", n)
	}
	if _, err := h.eng.GetJob(context.Background(), job.ID); err != nil {
		t.Fatalf("expected job to remain, got %v", err)
	}
}
