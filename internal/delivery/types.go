package delivery

import (
	"context"
	"time"

	"oppbot/internal/storage"
)

// Rejection reasons returned by Enqueue.
const (
	ReasonBelowThreshold   = "below delivery threshold"
	ReasonAlreadyQueued    = "already queued"
	ReasonAlreadyProcessed = "already processed"
	ReasonDuplicateContent = "duplicate content"
	ReasonRepoSentToday    = "repo already sent today"
	ReasonCollapsed        = "collapsed"
)

// Candidate is what the classifier scheduler hands the queue on acceptance.
type Candidate struct {
	PostID     string
	Source     string
	SubContext string
	Title      string
	Score      int
}

// EnqueueResult is the intake decision: enqueued, or rejected with a reason.
type EnqueueResult struct {
	Enqueued bool
	Reason   string
}

// Config is shared by the queue and the worker. All knobs are hot-reloadable
// via Apply.
type Config struct {
	Tick        time.Duration // worker interval
	Debounce    time.Duration // enqueue -> first eligibility
	LockLease   time.Duration
	RetryDelay  time.Duration
	MaxAttempts int

	MinSendGap time.Duration
	QuietStart int
	QuietEnd   int
	Location   *time.Location

	DeliverScore   int
	HighValueScore int

	// StreakSource is the high-volume source the anti-streak rule watches.
	StreakSource string
	// OnePerRepoPerDay lists sources limited to one delivery per sub-context
	// per calendar day.
	OnePerRepoPerDay map[string]bool
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Minute
	}
	if c.LockLease <= 0 {
		c.LockLease = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinSendGap <= 0 {
		c.MinSendGap = time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.DeliverScore <= 0 {
		c.DeliverScore = 60
	}
	if c.HighValueScore <= 0 {
		c.HighValueScore = 85
	}
	if c.StreakSource == "" {
		c.StreakSource = "github"
	}
	return c
}

// Store is the slice of the durable store the queue and worker need.
type Store interface {
	InsertQueueItem(ctx context.Context, it storage.QueueItem) error
	GetQueueItem(ctx context.Context, postID string) (storage.QueueItem, error)
	HasUnsent(ctx context.Context, postID string) (bool, error)
	UnsentFingerprintExists(ctx context.Context, fp string) (bool, error)
	SentFromRepoToday(ctx context.Context, source, subContext string, dayStart time.Time) (bool, error)
	ListSendable(ctx context.Context, now time.Time) ([]storage.QueueItem, error)
	AcquireLock(ctx context.Context, postID, owner string, until, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, postID, owner string) error
	MarkSent(ctx context.Context, postID string, at time.Time) error
	MarkRetry(ctx context.Context, postID string, attempts int, eligibleAt time.Time, reason string) error
	MarkAborted(ctx context.Context, postID string, attempts int, reason string, at time.Time) error
	RecentSends(ctx context.Context, n int) ([]string, error)
	Depth(ctx context.Context, now time.Time) (storage.QueueDepth, error)

	RecordSend(ctx context.Context, date, source string, at time.Time) error
	LastGlobalSend(ctx context.Context) (time.Time, error)

	GetOpportunity(ctx context.Context, postID string) (storage.Opportunity, error)
	HasTerminalOpportunity(ctx context.Context, postID string) (bool, error)
	SetOpportunityOutcome(ctx context.Context, postID, status, failReason string, at time.Time) error
}

// Sender is the outbound messaging channel. Any error is a send failure.
type Sender interface {
	Send(ctx context.Context, text, attachmentPath string) error
}
