package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muchdogesec/obstracts-sub000/internal/model"
)

// UpsertObjects writes each object independently. Objects rejected by the
// database are returned by id; connection-level errors abort the call.
func (s *Store) UpsertObjects(ctx context.Context, collection string, objs []model.Object) ([]string, error) {
	var failed []string
	for _, obj := range objs {
		body, err := json.Marshal(obj.Body)
		if err != nil {
			failed = append(failed, obj.ID)
			continue
		}
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO objects (collection, id, type, body) VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection, id) DO UPDATE SET type = EXCLUDED.type, body = EXCLUDED.body, updated = now()`,
			collection, obj.ID, obj.Type, body,
		)
		if err != nil {
			if pgCode(err) != "" {
				failed = append(failed, obj.ID)
				continue
			}
			return failed, fmt.Errorf("upsert object %s: %w", obj.ID, err)
		}
	}
	return failed, nil
}

func (s *Store) CountObjects(ctx context.Context, objType string) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM objects WHERE type = $1`, objType).Scan(&n); err != nil {
		return 0, fmt.Errorf("count objects: %w", err)
	}
	return n, nil
}

// ListObjects pages through objects of one type across all collections in
// a stable order.
func (s *Store) ListObjects(ctx context.Context, objType string, offset, limit int) ([]model.Object, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, id, type, body FROM objects
		WHERE type = $1 ORDER BY collection, id OFFSET $2 LIMIT $3`,
		objType, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var (
			obj  model.Object
			body []byte
		)
		if err := rows.Scan(&obj.Collection, &obj.ID, &obj.Type, &body); err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if err := json.Unmarshal(body, &obj.Body); err != nil {
			return nil, fmt.Errorf("decode object %s: %w", obj.ID, err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (s *Store) ListObjectKeys(ctx context.Context, objType string) ([]model.ObjectKey, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, id FROM objects WHERE type = $1 ORDER BY collection, id`,
		objType,
	)
	if err != nil {
		return nil, fmt.Errorf("list object keys: %w", err)
	}
	defer rows.Close()

	var out []model.ObjectKey
	for rows.Next() {
		var k model.ObjectKey
		if err := rows.Scan(&k.Collection, &k.ID); err != nil {
			return nil, fmt.Errorf("list object keys: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListObjectRange returns objects of one type with (collection, id)
// between from and to inclusive.
func (s *Store) ListObjectRange(ctx context.Context, objType string, from, to model.ObjectKey) ([]model.Object, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, id, type, body FROM objects
		WHERE type = $1 AND (collection, id) >= ($2, $3) AND (collection, id) <= ($4, $5)
		ORDER BY collection, id`,
		objType, from.Collection, from.ID, to.Collection, to.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list object range: %w", err)
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var (
			obj  model.Object
			body []byte
		)
		if err := rows.Scan(&obj.Collection, &obj.ID, &obj.Type, &body); err != nil {
			return nil, fmt.Errorf("list object range: %w", err)
		}
		if err := json.Unmarshal(body, &obj.Body); err != nil {
			return nil, fmt.Errorf("decode object %s: %w", obj.ID, err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (s *Store) ListCollection(ctx context.Context, collection string) ([]model.Object, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, id, type, body FROM objects WHERE collection = $1 ORDER BY type, id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var (
			obj  model.Object
			body []byte
		)
		if err := rows.Scan(&obj.Collection, &obj.ID, &obj.Type, &body); err != nil {
			return nil, fmt.Errorf("list collection: %w", err)
		}
		if err := json.Unmarshal(body, &obj.Body); err != nil {
			return nil, fmt.Errorf("decode object %s: %w", obj.ID, err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}
