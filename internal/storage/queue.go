package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// InsertQueueItem creates a delivery obligation. It returns ErrDuplicate when
// a row for the identity already exists (sent or not) so callers can rely on
// the one-unsent-item-per-identity invariant even under concurrent enqueues:
// the conflict is resolved by SQLite, not by a check-then-insert race.
func (s *DB) InsertQueueItem(ctx context.Context, it QueueItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items(post_id, source, sub_context, priority, score, enqueued_at, eligible_at,
		                         attempts, sent, sent_at, locked_until, lock_owner, fail_reason, fingerprint)
		 VALUES(?,?,?,?,?,?,?,0,0,0,0,'','',?)`,
		it.PostID, it.Source, it.SubContext, string(it.Priority), it.Score,
		msOf(it.EnqueuedAt), msOf(it.EligibleAt), it.Fingerprint)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// GetQueueItem returns one queue row or ErrNotFound.
func (s *DB) GetQueueItem(ctx context.Context, postID string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue_items WHERE post_id = ?`, postID)
	return scanQueueItem(row)
}

// HasUnsent reports whether an unsent queue row exists for the identity.
func (s *DB) HasUnsent(ctx context.Context, postID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE post_id = ? AND sent = 0`, postID).Scan(&n)
	return n > 0, err
}

// UnsentFingerprintExists reports whether any unsent row carries the same
// content fingerprint (cross-identity duplicate content).
func (s *DB) UnsentFingerprintExists(ctx context.Context, fp string) (bool, error) {
	if fp == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE fingerprint = ? AND sent = 0`, fp).Scan(&n)
	return n > 0, err
}

// SentFromRepoToday reports whether an item from source+subContext was
// delivered at or after dayStart.
func (s *DB) SentFromRepoToday(ctx context.Context, source, subContext string, dayStart time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items
		 WHERE source = ? AND sub_context = ? AND sent = 1 AND fail_reason = '' AND sent_at >= ?`,
		source, subContext, msOf(dayStart)).Scan(&n)
	return n > 0, err
}

// ListSendable returns unsent rows whose eligible-time has passed and whose
// lock has expired or is unset, best candidates first.
func (s *DB) ListSendable(ctx context.Context, now time.Time) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM queue_items
		 WHERE sent = 0 AND eligible_at <= ? AND locked_until <= ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END ASC, enqueued_at ASC`,
		msOf(now), msOf(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// AcquireLock takes the time-boxed lease on one item. The UPDATE only matches
// when the row is unsent and unlocked (or its lease expired), so exactly one
// of any number of racing workers wins. Returns false when the lock is held
// elsewhere.
func (s *DB) AcquireLock(ctx context.Context, postID, owner string, until, now time.Time) (bool, error) {
	r, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET locked_until = ?, lock_owner = ?
		 WHERE post_id = ? AND sent = 0 AND locked_until <= ?`,
		msOf(until), owner, postID, msOf(now))
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	return n == 1, err
}

// ReleaseLock drops the lease if the caller still owns it. Releasing a lease
// someone else re-acquired after expiry is a no-op.
func (s *DB) ReleaseLock(ctx context.Context, postID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET locked_until = 0, lock_owner = ''
		 WHERE post_id = ? AND lock_owner = ?`, postID, owner)
	return err
}

// MarkSent finalizes a successful delivery and releases the lease.
func (s *DB) MarkSent(ctx context.Context, postID string, at time.Time) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET sent = 1, sent_at = ?, locked_until = 0, lock_owner = ''
		 WHERE post_id = ? AND sent = 0`, msOf(at), postID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetry records a failed attempt, pushes eligibility into the future and
// releases the lease; the item remains actionable.
func (s *DB) MarkRetry(ctx context.Context, postID string, attempts int, eligibleAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET attempts = ?, eligible_at = ?, fail_reason = ?, locked_until = 0, lock_owner = ''
		 WHERE post_id = ? AND sent = 0`,
		attempts, msOf(eligibleAt), reason, postID)
	return err
}

// MarkAborted terminates an item unsuccessfully: sent=1 plus a failure reason
// means "no longer actionable" without claiming delivery.
func (s *DB) MarkAborted(ctx context.Context, postID string, attempts int, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET attempts = ?, sent = 1, sent_at = ?, fail_reason = ?, locked_until = 0, lock_owner = ''
		 WHERE post_id = ? AND sent = 0`,
		attempts, msOf(at), reason, postID)
	return err
}

// RecentSends returns the sources of the n most recent successful sends,
// newest first. Used by the anti-streak rule.
func (s *DB) RecentSends(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source FROM queue_items WHERE sent = 1 AND fail_reason = ''
		 ORDER BY sent_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Depth returns operational queue counts.
func (s *DB) Depth(ctx context.Context, now time.Time) (QueueDepth, error) {
	var d QueueDepth
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN sent = 0 THEN 1 END),
		   COUNT(CASE WHEN sent = 0 AND locked_until > ? THEN 1 END),
		   COUNT(CASE WHEN sent = 1 AND fail_reason = '' THEN 1 END),
		   COUNT(CASE WHEN sent = 1 AND fail_reason <> '' THEN 1 END)
		 FROM queue_items`, msOf(now)).
		Scan(&d.Pending, &d.Locked, &d.Sent, &d.Aborted)
	return d, err
}

const queueCols = `post_id, source, sub_context, priority, score, enqueued_at, eligible_at,
	attempts, sent, sent_at, locked_until, lock_owner, fail_reason, fingerprint`

func scanQueueItem(r rowScanner) (QueueItem, error) {
	var (
		it                                     QueueItem
		priority                               string
		enqMS, eligMS, sentAtMS, lockedUntilMS int64
		sent                                   int
	)
	err := r.Scan(&it.PostID, &it.Source, &it.SubContext, &priority, &it.Score, &enqMS, &eligMS,
		&it.Attempts, &sent, &sentAtMS, &lockedUntilMS, &it.LockOwner, &it.FailReason, &it.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	it.Priority = Priority(priority)
	it.EnqueuedAt = timeOf(enqMS)
	it.EligibleAt = timeOf(eligMS)
	it.Sent = sent != 0
	it.SentAt = timeOf(sentAtMS)
	it.LockedUntil = timeOf(lockedUntilMS)
	return it, nil
}
