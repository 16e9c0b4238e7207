package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertBufferItem inserts or refreshes a buffer row by identity.
// A re-offer of an existing identity updates the content fields but never
// resets the classified flag or the original buffered_at.
func (s *DB) UpsertBufferItem(ctx context.Context, it BufferItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffer_items(post_id, source, sub_context, title, body, author, permalink, origin_at, buffered_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(post_id) DO UPDATE SET
		   title=excluded.title, body=excluded.body, author=excluded.author, permalink=excluded.permalink`,
		it.PostID, it.Source, it.SubContext, it.Title, it.Body, it.Author, it.Permalink,
		msOf(it.OriginAt), msOf(it.BufferedAt),
	)
	return err
}

// GetBufferItem returns one buffer row or ErrNotFound.
func (s *DB) GetBufferItem(ctx context.Context, postID string) (BufferItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, source, sub_context, title, body, author, permalink, origin_at, buffered_at,
		        classified, clf_valid, clf_category, clf_score, clf_reasoning
		 FROM buffer_items WHERE post_id = ?`, postID)
	return scanBufferItem(row)
}

// CountUnclassified returns the backlog size.
func (s *DB) CountUnclassified(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffer_items WHERE classified = 0`).Scan(&n)
	return n, err
}

// ListUnclassified returns up to limit unclassified rows, oldest first.
// It does not mutate anything; marking classified is a separate step so a
// crash mid-batch leaves items re-drainable.
func (s *DB) ListUnclassified(ctx context.Context, limit int) ([]BufferItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id, source, sub_context, title, body, author, permalink, origin_at, buffered_at,
		        classified, clf_valid, clf_category, clf_score, clf_reasoning
		 FROM buffer_items WHERE classified = 0
		 ORDER BY buffered_at ASC, post_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BufferItem
	for rows.Next() {
		it, err := scanBufferItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkClassified records the classification verdict for one buffer row.
func (s *DB) MarkClassified(ctx context.Context, postID string, res Classification) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE buffer_items
		 SET classified = 1, clf_valid = ?, clf_category = ?, clf_score = ?, clf_reasoning = ?
		 WHERE post_id = ?`,
		boolInt(res.Valid), res.Category, res.Score, res.Reasoning, postID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneBuffer deletes classified rows buffered before the cutoff.
func (s *DB) PruneBuffer(ctx context.Context, before time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx,
		`DELETE FROM buffer_items WHERE classified = 1 AND buffered_at < ?`, msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBufferItem(r rowScanner) (BufferItem, error) {
	var (
		it         BufferItem
		originMS   int64
		bufferedMS int64
		classified int
		valid      sql.NullInt64
		category   sql.NullString
		score      sql.NullInt64
		reasoning  sql.NullString
	)
	err := r.Scan(&it.PostID, &it.Source, &it.SubContext, &it.Title, &it.Body, &it.Author,
		&it.Permalink, &originMS, &bufferedMS, &classified, &valid, &category, &score, &reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return BufferItem{}, ErrNotFound
	}
	if err != nil {
		return BufferItem{}, err
	}
	it.OriginAt = timeOf(originMS)
	it.BufferedAt = timeOf(bufferedMS)
	it.Classified = classified != 0
	if it.Classified {
		it.Result = &Classification{
			Valid:     valid.Int64 != 0,
			Category:  category.String,
			Score:     int(score.Int64),
			Reasoning: reasoning.String,
		}
	}
	return it, nil
}
