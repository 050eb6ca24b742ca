package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

const feedColumns = `id, url, title, description, last_fetched, created`

func scanFeed(row rowScanner) (*model.Feed, error) {
	var (
		f           model.Feed
		lastFetched sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Description, &lastFetched, &f.Created); err != nil {
		return nil, err
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		f.LastFetched = &t
	}
	return &f, nil
}

func (s *Store) CreateFeed(ctx context.Context, feed *model.Feed) error {
	if feed.ID == uuid.Nil {
		feed.ID = uuid.New()
	}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO feeds (id, url, title, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created`,
		feed.ID, feed.URL, feed.Title, feed.Description,
	).Scan(&feed.Created)
	if isUniqueViolation(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	return nil
}

func (s *Store) GetFeed(ctx context.Context, id uuid.UUID) (*model.Feed, error) {
	f, err := scanFeed(s.DB.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}

func (s *Store) ListFeeds(ctx context.Context) ([]*model.Feed, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var out []*model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("list feeds: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE feeds SET title = $2, description = $3, last_fetched = $4 WHERE id = $1`,
		feed.ID, feed.Title, feed.Description, feed.LastFetched,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

const postColumns = `p.id, p.feed_id, p.url, p.title, p.description, p.pub_date, p.html, p.markdown,
	p.indexed_at, p.created, EXISTS (SELECT 1 FROM post_pdfs d WHERE d.post_id = p.id)`

func scanPost(row rowScanner, extra ...any) (*model.Post, error) {
	var (
		p       model.Post
		pubDate sql.NullTime
		indexed sql.NullTime
	)
	dest := []any{&p.ID, &p.FeedID, &p.URL, &p.Title, &p.Description, &pubDate, &p.HTML, &p.Markdown,
		&indexed, &p.Created, &p.HasPDF}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if pubDate.Valid {
		t := pubDate.Time
		p.PubDate = &t
	}
	if indexed.Valid {
		t := indexed.Time
		p.IndexedAt = &t
	}
	return &p, nil
}

// UpsertPost inserts a post keyed by (feed_id, url) or refreshes the
// listing fields of the existing one. It reports whether a row was created.
func (s *Store) UpsertPost(ctx context.Context, post *model.Post) (*model.Post, bool, error) {
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	var inserted bool
	row := s.DB.QueryRowContext(ctx, `
		WITH up AS (
			INSERT INTO posts (id, feed_id, url, title, description, pub_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (feed_id, url) DO UPDATE SET
				title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE posts.title END,
				description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE posts.description END,
				pub_date = COALESCE(EXCLUDED.pub_date, posts.pub_date)
			RETURNING *, (xmax = 0) AS inserted
		)
		SELECT `+postColumns+`, p.inserted FROM up p`,
		post.ID, post.FeedID, post.URL, post.Title, post.Description, post.PubDate,
	)
	p, err := scanPost(row, &inserted)
	if isForeignKeyViolation(err) {
		return nil, false, model.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert post: %w", err)
	}
	return p, inserted, nil
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*model.Post, error) {
	p, err := scanPost(s.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// SavePost stores fetched content and indexing time for an existing post.
func (s *Store) SavePost(ctx context.Context, post *model.Post) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE posts SET title = $2, html = $3, markdown = $4, indexed_at = $5 WHERE id = $1`,
		post.ID, post.Title, post.HTML, post.Markdown, post.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("save post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ListPosts(ctx context.Context, feedID uuid.UUID) ([]*model.Post, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+postColumns+` FROM posts p WHERE p.feed_id = $1 ORDER BY p.pub_date NULLS LAST, p.created, p.id`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveExtraction(ctx context.Context, postID uuid.UUID, ext *model.Extraction) error {
	raw, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("encode extraction: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET extraction = $2 WHERE id = $1`,
		postID, pqtype.NullRawMessage{RawMessage: raw, Valid: true})
	if err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetExtraction returns nil without error when the post was never extracted.
func (s *Store) GetExtraction(ctx context.Context, postID uuid.UUID) (*model.Extraction, error) {
	var raw pqtype.NullRawMessage
	err := s.DB.QueryRowContext(ctx, `SELECT extraction FROM posts WHERE id = $1`, postID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	var ext model.Extraction
	if err := json.Unmarshal(raw.RawMessage, &ext); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return &ext, nil
}

func (s *Store) SavePDF(ctx context.Context, postID uuid.UUID, pdf []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO post_pdfs (post_id, pdf) VALUES ($1, $2)
		ON CONFLICT (post_id) DO UPDATE SET pdf = EXCLUDED.pdf, created = now()`,
		postID, pdf,
	)
	if isForeignKeyViolation(err) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("save pdf: %w", err)
	}
	return nil
}

func (s *Store) GetPDF(ctx context.Context, postID uuid.UUID) ([]byte, error) {
	var pdf []byte
	err := s.DB.QueryRowContext(ctx, `SELECT pdf FROM post_pdfs WHERE post_id = $1`, postID).Scan(&pdf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pdf: %w", err)
	}
	return pdf, nil
}
