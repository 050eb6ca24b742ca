package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
)

const jobColumns = `id, type, feed_id, state, item_count, processed_items, failed_processes,
	errors, extra, cancel_requested, created, updated, completed_at`

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j         jobs.Job
		typ       string
		state     string
		feedID    uuid.NullUUID
		errs      []byte
		extra     pqtype.NullRawMessage
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &typ, &feedID, &state, &j.ItemCount, &j.ProcessedItems, &j.FailedProcesses,
		&errs, &extra, &j.CancelRequested, &j.Created, &j.Updated, &completed)
	if err != nil {
		return nil, err
	}

	j.Type = jobs.Type(typ)
	j.State = jobs.State(state)
	if feedID.Valid {
		id := feedID.UUID
		j.FeedID = &id
	}
	j.Errors = []string{}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &j.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for job %s: %w", j.ID, err)
		}
	}
	j.Extra = map[string]any{}
	if extra.Valid && len(extra.RawMessage) > 0 {
		if err := json.Unmarshal(extra.RawMessage, &j.Extra); err != nil {
			return nil, fmt.Errorf("decode extra for job %s: %w", j.ID, err)
		}
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func stateStrings(states []jobs.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	var extra pqtype.NullRawMessage
	if len(job.Extra) > 0 {
		raw, err := json.Marshal(job.Extra)
		if err != nil {
			return fmt.Errorf("%w: extra: %v", jobs.ErrInvalidJob, err)
		}
		extra = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}
	var feedID uuid.NullUUID
	if job.FeedID != nil {
		feedID = uuid.NullUUID{UUID: *job.FeedID, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, type, feed_id, state, item_count, extra, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, string(job.Type), feedID, string(job.State), job.ItemCount, extra, job.Created,
	)
	switch {
	case isUniqueViolation(err):
		return jobs.ErrDuplicateJob
	case isForeignKeyViolation(err):
		return jobs.ErrFeedNotFound
	case err != nil:
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		args = append(args, stateStrings(filter.States))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.FeedID != nil {
		args = append(args, *filter.FeedID)
		where = append(where, fmt.Sprintf("feed_id = $%d", len(args)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) FeedExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM feeds WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("feed exists: %w", err)
	}
	return exists, nil
}

func (s *Store) TransitionJob(ctx context.Context, id uuid.UUID, from []jobs.State, to jobs.State) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = $2,
		    updated = now(),
		    completed_at = CASE WHEN $3 THEN now() ELSE completed_at END
		WHERE id = $1 AND state = ANY($4)`,
		id, string(to), to.Terminal(), stateStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) SetItemCount(ctx context.Context, id uuid.UUID, n int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET item_count = $2, updated = now() WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("set item count: %w", err)
	}
	return requireRow(res)
}

// RecordOutcome claims the (job, key) row first so a redelivered step
// cannot increment the counters twice, then applies the increments and
// the error append in one UPDATE of the job row.
func (s *Store) RecordOutcome(ctx context.Context, id uuid.UUID, o jobs.Outcome) (bool, error) {
	var processed, failed int
	switch o.Kind {
	case jobs.OutcomeProcessed:
		processed = o.Count
	case jobs.OutcomeFailed:
		failed = o.Count
	}

	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO job_items (job_id, item_key, outcome, error)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id, item_key) DO NOTHING`,
			id, o.Key, string(o.Kind), o.Error,
		)
		if isForeignKeyViolation(err) {
			return jobs.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("claim job item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET processed_items = processed_items + $2,
			    failed_processes = failed_processes + $3,
			    errors = CASE WHEN $4::text = '' THEN errors ELSE errors || jsonb_build_array($4::text) END,
			    updated = now()
			WHERE id = $1`,
			id, processed, failed, o.Error,
		)
		if err != nil {
			return fmt.Errorf("apply job outcome: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) AppendError(ctx context.Context, id uuid.UUID, msg string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET errors = errors || jsonb_build_array($2::text), updated = now() WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("append job error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = true, updated = now()
		WHERE id = $1 AND state = ANY($2) AND NOT cancel_requested`,
		id, stateStrings(jobs.ActiveStates),
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	terminal := []jobs.State{jobs.StateProcessed, jobs.StateProcessFailed, jobs.StateCancelled, jobs.StateRetrieveFailed}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs WHERE state = ANY($1) AND COALESCE(completed_at, updated) < $2`,
		stateStrings(terminal), before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}
