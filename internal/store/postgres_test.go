package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/migrate"
	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

// setupPostgres starts a Postgres container, applies the migrations and
// returns a Store on it. Skipped with -short or without Docker.
func setupPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("obstracts_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	if err := migrate.Run(dsn, "../../db/migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func pgJob(t *testing.T, s *Store, feedID *uuid.UUID, state jobs.State) *jobs.Job {
	t.Helper()
	j := &jobs.Job{
		ID:      uuid.New(),
		Type:    jobs.TypeFeedIndex,
		FeedID:  feedID,
		State:   state,
		Extra:   map[string]any{"profile": "standard"},
		Created: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return j
}

func TestPostgresCreateJobErrors(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://blog.example.com/feed"}
	if err := s.CreateFeed(ctx, feed); err != nil {
		t.Fatalf("CreateFeed error: %v", err)
	}
	if err := s.CreateFeed(ctx, &model.Feed{URL: feed.URL}); !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a second feed with the same url, got %v", err)
	}

	j := pgJob(t, s, &feed.ID, jobs.StateRetrieving)
	dup := *j
	if err := s.CreateJob(ctx, &dup); !errors.Is(err, jobs.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	missing := uuid.New()
	orphan := &jobs.Job{ID: uuid.New(), Type: jobs.TypeFeedIndex, FeedID: &missing, State: jobs.StateRetrieving, Created: time.Now().UTC()}
	if err := s.CreateJob(ctx, orphan); !errors.Is(err, jobs.ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Extra["profile"] != "standard" || got.FeedID == nil || *got.FeedID != feed.ID {
		t.Fatalf("unexpected job round trip: %+v", got)
	}
	if _, err := s.GetJob(ctx, uuid.New()); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresTransitionJobIsConditional(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	j := pgJob(t, s, nil, jobs.StateQueued)

	changed, err := s.TransitionJob(ctx, j.ID, []jobs.State{jobs.StateQueued}, jobs.StateProcessing)
	if err != nil || !changed {
		t.Fatalf("expected QUEUED -> PROCESSING, got changed=%v err=%v", changed, err)
	}
	changed, err = s.TransitionJob(ctx, j.ID, []jobs.State{jobs.StateQueued}, jobs.StateProcessing)
	if err != nil || changed {
		t.Fatalf("expected a repeated transition to be refused, got changed=%v err=%v", changed, err)
	}

	changed, err = s.TransitionJob(ctx, j.ID, jobs.ActiveStates, jobs.StateProcessed)
	if err != nil || !changed {
		t.Fatalf("expected PROCESSING -> PROCESSED, got changed=%v err=%v", changed, err)
	}
	changed, _ = s.TransitionJob(ctx, j.ID, jobs.ActiveStates, jobs.StateCancelled)
	if changed {
		t.Fatalf("expected a terminal job to stay terminal")
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != jobs.StateProcessed || got.CompletedAt == nil {
		t.Fatalf("expected PROCESSED with completed_at, got %s %v", got.State, got.CompletedAt)
	}
	if requested, _ := s.RequestCancel(ctx, j.ID); requested {
		t.Fatalf("expected cancel of a finished job to change nothing")
	}

	if _, err := s.TransitionJob(ctx, uuid.New(), jobs.ActiveStates, jobs.StateCancelled); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for unknown job, got %v", err)
	}
}

func TestPostgresRecordOutcomeAppliesOncePerKey(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	j := pgJob(t, s, nil, jobs.StateProcessing)

	failed := jobs.Outcome{Key: "unit:1:a", Kind: jobs.OutcomeFailed, Count: 1, Error: "PROCESS_FAILED: item a: boom"}
	for i, want := range []bool{true, false} {
		applied, err := s.RecordOutcome(ctx, j.ID, failed)
		if err != nil || applied != want {
			t.Fatalf("attempt %d: expected applied=%v, got applied=%v err=%v", i, want, applied, err)
		}
	}
	if _, err := s.RecordOutcome(ctx, j.ID, jobs.Outcome{Key: "unit:2:b", Kind: jobs.OutcomeProcessed, Count: 3}); err != nil {
		t.Fatalf("RecordOutcome error: %v", err)
	}
	if _, err := s.RecordOutcome(ctx, j.ID, jobs.Outcome{Key: "unit:3:c", Kind: jobs.OutcomeNote, Error: "CANCELLED: item c"}); err != nil {
		t.Fatalf("RecordOutcome error: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.ProcessedItems != 3 || got.FailedProcesses != 1 {
		t.Fatalf("expected processed=3 failed=1, got %d/%d", got.ProcessedItems, got.FailedProcesses)
	}
	if len(got.Errors) != 2 || got.Errors[0] != failed.Error {
		t.Fatalf("expected two errors in order, got %v", got.Errors)
	}

	if _, err := s.RecordOutcome(ctx, uuid.New(), failed); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for unknown job, got %v", err)
	}
}

func TestPostgresObjectKeyRange(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	vuln := func(id string) model.Object {
		return model.Object{ID: id, Type: "vulnerability", Body: map[string]any{"id": id, "type": "vulnerability"}}
	}
	if _, err := s.UpsertObjects(ctx, "a", []model.Object{vuln("vulnerability--1"), vuln("vulnerability--3")}); err != nil {
		t.Fatalf("UpsertObjects error: %v", err)
	}
	if _, err := s.UpsertObjects(ctx, "b", []model.Object{vuln("vulnerability--0")}); err != nil {
		t.Fatalf("UpsertObjects error: %v", err)
	}

	keys, err := s.ListObjectKeys(ctx, "vulnerability")
	if err != nil {
		t.Fatalf("ListObjectKeys error: %v", err)
	}
	if len(keys) != 3 || keys[0].ID != "vulnerability--1" || keys[2].Collection != "b" {
		t.Fatalf("unexpected key order %v", keys)
	}

	_, _ = s.UpsertObjects(ctx, "c", []model.Object{vuln("vulnerability--9")})
	got, err := s.ListObjectRange(ctx, "vulnerability", keys[1], keys[2])
	if err != nil {
		t.Fatalf("ListObjectRange error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "vulnerability--3" || got[1].Body["id"] != "vulnerability--0" {
		t.Fatalf("unexpected range %+v", got)
	}

	n, _ := s.CountObjects(ctx, "vulnerability")
	page, _ := s.ListObjects(ctx, "vulnerability", 3, 10)
	if n != 4 || len(page) != 1 || page[0].Collection != "c" {
		t.Fatalf("expected 4 objects with collection c last, got n=%d page=%+v", n, page)
	}
}
