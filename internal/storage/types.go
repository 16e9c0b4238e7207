package storage

import (
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by inserts that would violate the
	// one-unsent-item-per-identity invariant.
	ErrDuplicate = errors.New("storage: duplicate row")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Classification is the parsed scoring-service verdict for one item.
type Classification struct {
	Valid     bool
	Category  string
	Score     int
	Reasoning string
}

// BufferItem is one ingested candidate awaiting classification.
//
// Rows are never deleted by the pipeline (the retention sweep prunes old
// classified rows); they double as the identity dedup record.
type BufferItem struct {
	PostID     string
	Source     string
	SubContext string
	Title      string
	Body       string
	Author     string
	Permalink  string
	OriginAt   time.Time
	BufferedAt time.Time

	Classified bool
	Result     *Classification
}

// Priority of a queue item. High-value items jump the queue but never the
// pacing rules.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// QueueItem is one delivery obligation.
//
// Terminal states are Sent=true with empty FailReason (delivered) or
// Sent=true with a FailReason (permanently aborted); the flag means
// "no longer actionable".
type QueueItem struct {
	PostID     string
	Source     string
	SubContext string
	Priority   Priority
	Score      int

	EnqueuedAt time.Time
	EligibleAt time.Time
	Attempts   int

	Sent   bool
	SentAt time.Time // zero when unsent

	LockedUntil time.Time // zero when unlocked
	LockOwner   string

	FailReason  string
	Fingerprint string
}

// Locked reports whether the item currently holds an unexpired lock lease.
func (q QueueItem) Locked(now time.Time) bool {
	return !q.LockedUntil.IsZero() && q.LockedUntil.After(now)
}

// SourceDayState is the per-source slice of a day's delivery state.
type SourceDayState struct {
	Count    int       `json:"count"`
	LastSent time.Time `json:"last_sent"`
}

// DayState is the delivery pacing record for one calendar day.
// Exactly one row exists per date; it is created lazily on first read.
type DayState struct {
	Date       string // "2006-01-02" in the delivery timezone
	LastSentAt time.Time
	LastSource string
	PerSource  map[string]SourceDayState
}

// Opportunity status values. rejected/collapsed/delivered/failed are terminal.
const (
	OppAccepted  = "accepted"
	OppRejected  = "rejected"
	OppCollapsed = "collapsed"
	OppDelivered = "delivered"
	OppFailed    = "failed"
)

// Opportunity is the durable record of one item's full lifecycle.
type Opportunity struct {
	PostID     string
	Source     string
	SubContext string
	Title      string
	Permalink  string

	Valid     bool
	Category  string
	Score     int
	Reasoning string

	ReplyText    string
	DocumentPath string

	Status     string
	FailReason string
	Feedback   string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt time.Time // zero unless delivered
}

// TerminalOpp reports whether a status means the identity is done for good.
func TerminalOpp(status string) bool {
	switch status {
	case OppRejected, OppCollapsed, OppDelivered, OppFailed:
		return true
	}
	return false
}

// QueueDepth is an operational snapshot of the queue table.
type QueueDepth struct {
	Pending int // unsent
	Locked  int // unsent with live lease
	Sent    int
	Aborted int
}
