package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

// Queue is the enqueue side of the delivery pipeline.
type Queue struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config

	// onEnqueue triggers the worker's event check after a successful enqueue.
	onEnqueue func()
}

func NewQueue(cfg Config, store Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{store: store, log: log, now: time.Now, cfg: cfg.withDefaults()}
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// SetOnEnqueue installs the worker kick callback.
func (q *Queue) SetOnEnqueue(fn func()) {
	q.mu.Lock()
	q.onEnqueue = fn
	q.mu.Unlock()
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Enqueue runs the dedup gates and creates a delivery obligation. A
// successful classification does not guarantee an entry: every rejection
// reason below is a normal outcome, not an error.
func (q *Queue) Enqueue(ctx context.Context, c Candidate, title, body string) (EnqueueResult, error) {
	cfg := q.config()
	now := q.now()

	if c.Score < cfg.DeliverScore {
		return EnqueueResult{Reason: ReasonBelowThreshold}, nil
	}

	if unsent, err := q.store.HasUnsent(ctx, c.PostID); err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: unsent lookup %s: %w", c.PostID, err)
	} else if unsent {
		return EnqueueResult{Reason: ReasonAlreadyQueued}, nil
	}

	if done, err := q.store.HasTerminalOpportunity(ctx, c.PostID); err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: outcome lookup %s: %w", c.PostID, err)
	} else if done {
		return EnqueueResult{Reason: ReasonAlreadyProcessed}, nil
	}

	fp := Fingerprint(title, body)
	if dup, err := q.store.UnsentFingerprintExists(ctx, fp); err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: fingerprint lookup: %w", err)
	} else if dup {
		return EnqueueResult{Reason: ReasonDuplicateContent}, nil
	}

	if cfg.OnePerRepoPerDay[c.Source] && c.SubContext != "" {
		dayStart := startOfDay(now, cfg.Location)
		if sent, err := q.store.SentFromRepoToday(ctx, c.Source, c.SubContext, dayStart); err != nil {
			return EnqueueResult{}, fmt.Errorf("queue: repo lookup %s/%s: %w", c.Source, c.SubContext, err)
		} else if sent {
			return EnqueueResult{Reason: ReasonRepoSentToday}, nil
		}
	}

	prio := storage.PriorityNormal
	if c.Score >= cfg.HighValueScore {
		prio = storage.PriorityHigh
	}
	item := storage.QueueItem{
		PostID:      c.PostID,
		Source:      c.Source,
		SubContext:  c.SubContext,
		Priority:    prio,
		Score:       c.Score,
		EnqueuedAt:  now,
		EligibleAt:  now.Add(cfg.Debounce),
		Fingerprint: fp,
	}
	err := q.store.InsertQueueItem(ctx, item)
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race with a concurrent enqueue; the invariant held.
		return EnqueueResult{Reason: ReasonAlreadyQueued}, nil
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: insert %s: %w", c.PostID, err)
	}

	q.log.Info("item enqueued",
		logx.String("post", c.PostID),
		logx.String("source", c.Source),
		logx.String("priority", string(prio)),
		logx.Int("score", c.Score))

	q.mu.Lock()
	kick := q.onEnqueue
	q.mu.Unlock()
	if kick != nil {
		kick()
	}
	return EnqueueResult{Enqueued: true}, nil
}

// Collapse reduces the items a single classifier batch enqueued for the same
// source+sub-context to the single highest-scoring one; the rest become
// terminal with a collapse reason so the recipient isn't flooded with
// near-duplicates from one repo.
func (q *Queue) Collapse(ctx context.Context, postIDs []string) (int, error) {
	if len(postIDs) < 2 {
		return 0, nil
	}

	type group struct{ items []storage.QueueItem }
	groups := map[string]*group{}
	for _, id := range postIDs {
		it, err := q.store.GetQueueItem(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("queue: collapse lookup %s: %w", id, err)
		}
		if it.Sent || it.SubContext == "" {
			continue
		}
		key := it.Source + "\x00" + it.SubContext
		if groups[key] == nil {
			groups[key] = &group{}
		}
		groups[key].items = append(groups[key].items, it)
	}

	collapsed := 0
	now := q.now()
	for _, g := range groups {
		if len(g.items) < 2 {
			continue
		}
		// Highest score survives; ties resolved by enqueue order.
		sort.SliceStable(g.items, func(i, j int) bool {
			if g.items[i].Score != g.items[j].Score {
				return g.items[i].Score > g.items[j].Score
			}
			return g.items[i].EnqueuedAt.Before(g.items[j].EnqueuedAt)
		})
		for _, it := range g.items[1:] {
			if err := q.store.MarkAborted(ctx, it.PostID, it.Attempts, ReasonCollapsed, now); err != nil {
				return collapsed, fmt.Errorf("queue: collapse %s: %w", it.PostID, err)
			}
			if err := q.store.SetOpportunityOutcome(ctx, it.PostID, storage.OppCollapsed, ReasonCollapsed, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return collapsed, fmt.Errorf("queue: collapse outcome %s: %w", it.PostID, err)
			}
			collapsed++
			q.log.Info("item collapsed",
				logx.String("post", it.PostID),
				logx.String("kept", g.items[0].PostID),
				logx.String("repo", it.SubContext))
		}
	}
	return collapsed, nil
}

// Depth returns operational queue counts.
func (q *Queue) Depth(ctx context.Context) (storage.QueueDepth, error) {
	return q.store.Depth(ctx, q.now())
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
