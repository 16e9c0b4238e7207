package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// GetDayState returns the delivery state for one date, creating the row
// lazily so a fresh day always starts from zero counters.
func (s *DB) GetDayState(ctx context.Context, date string) (DayState, error) {
	st := DayState{Date: date, PerSource: map[string]SourceDayState{}}
	var (
		lastSentMS int64
		perSource  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at, last_source, per_source FROM delivery_state WHERE date = ?`, date).
		Scan(&lastSentMS, &st.LastSource, &perSource)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO delivery_state(date) VALUES(?) ON CONFLICT(date) DO NOTHING`, date)
		return st, err
	}
	if err != nil {
		return st, err
	}
	st.LastSentAt = timeOf(lastSentMS)
	if perSource != "" {
		if jerr := json.Unmarshal([]byte(perSource), &st.PerSource); jerr != nil {
			// A corrupted counter blob should not wedge the worker; start over.
			st.PerSource = map[string]SourceDayState{}
		}
	}
	return st, nil
}

// RecordSend bumps the day's pacing state after one successful delivery.
func (s *DB) RecordSend(ctx context.Context, date, source string, at time.Time) error {
	st, err := s.GetDayState(ctx, date)
	if err != nil {
		return err
	}
	src := st.PerSource[source]
	src.Count++
	src.LastSent = at
	st.PerSource[source] = src

	blob, err := json.Marshal(st.PerSource)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_state(date, last_sent_at, last_source, per_source)
		 VALUES(?,?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
		   last_sent_at=excluded.last_sent_at, last_source=excluded.last_source, per_source=excluded.per_source`,
		date, msOf(at), source, string(blob))
	return err
}

// LastGlobalSend returns the most recent successful send timestamp across all
// days (zero if nothing was ever sent). The worker uses it for the global
// minimum-gap rule, which must survive the midnight rollover.
func (s *DB) LastGlobalSend(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_sent_at) FROM delivery_state`).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	return timeOf(ms.Int64), nil
}
