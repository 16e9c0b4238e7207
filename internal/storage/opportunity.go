package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertOpportunity writes the durable lifecycle record. Writes are
// idempotent by identity so a re-run after a mid-batch crash cannot corrupt
// state.
func (s *DB) UpsertOpportunity(ctx context.Context, o Opportunity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opportunities(post_id, source, sub_context, title, permalink, valid, category, score,
		                           reasoning, reply_text, document_path, status, fail_reason, feedback,
		                           created_at, updated_at, delivered_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(post_id) DO UPDATE SET
		   valid=excluded.valid, category=excluded.category, score=excluded.score,
		   reasoning=excluded.reasoning, reply_text=excluded.reply_text,
		   document_path=excluded.document_path, status=excluded.status,
		   fail_reason=excluded.fail_reason, updated_at=excluded.updated_at`,
		o.PostID, o.Source, o.SubContext, o.Title, o.Permalink, boolInt(o.Valid), o.Category, o.Score,
		o.Reasoning, o.ReplyText, o.DocumentPath, o.Status, o.FailReason, o.Feedback,
		msOf(o.CreatedAt), msOf(o.UpdatedAt), msOf(o.DeliveredAt))
	return err
}

// GetOpportunity returns one record or ErrNotFound.
func (s *DB) GetOpportunity(ctx context.Context, postID string) (Opportunity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, source, sub_context, title, permalink, valid, category, score, reasoning,
		        reply_text, document_path, status, fail_reason, feedback, created_at, updated_at, delivered_at
		 FROM opportunities WHERE post_id = ?`, postID)

	var o Opportunity
	var valid int
	var createdMS, updatedMS, deliveredMS int64
	err := row.Scan(&o.PostID, &o.Source, &o.SubContext, &o.Title, &o.Permalink, &valid, &o.Category,
		&o.Score, &o.Reasoning, &o.ReplyText, &o.DocumentPath, &o.Status, &o.FailReason, &o.Feedback,
		&createdMS, &updatedMS, &deliveredMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Opportunity{}, ErrNotFound
	}
	if err != nil {
		return Opportunity{}, err
	}
	o.Valid = valid != 0
	o.CreatedAt = timeOf(createdMS)
	o.UpdatedAt = timeOf(updatedMS)
	o.DeliveredAt = timeOf(deliveredMS)
	return o, nil
}

// HasTerminalOpportunity reports whether the identity already reached a
// terminal outcome (delivered, permanently failed, rejected or collapsed).
func (s *DB) HasTerminalOpportunity(ctx context.Context, postID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM opportunities WHERE post_id = ?`, postID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return TerminalOpp(status), nil
}

// SetOpportunityOutcome moves a record to a terminal (or back to accepted)
// status.
func (s *DB) SetOpportunityOutcome(ctx context.Context, postID, status, failReason string, at time.Time) error {
	deliveredMS := int64(0)
	if status == OppDelivered {
		deliveredMS = msOf(at)
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET status = ?, fail_reason = ?, updated_at = ?,
		        delivered_at = CASE WHEN ? > 0 THEN ? ELSE delivered_at END
		 WHERE post_id = ?`,
		status, failReason, msOf(at), deliveredMS, deliveredMS, postID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFeedback stores operator feedback on a delivered opportunity.
func (s *DB) SetFeedback(ctx context.Context, postID, note string, at time.Time) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET feedback = ?, updated_at = ? WHERE post_id = ?`,
		note, msOf(at), postID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneOpportunities deletes terminal records last updated before the cutoff.
func (s *DB) PruneOpportunities(ctx context.Context, before time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx,
		`DELETE FROM opportunities
		 WHERE status IN (?,?,?,?) AND updated_at < ?`,
		OppRejected, OppCollapsed, OppDelivered, OppFailed, msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	return n, nil
}
