package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"oppbot/internal/policy"
	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

// Worker drains the queue, one send per tick. Pacing is a feature: the
// recipient is a human, not a log sink.
type Worker struct {
	store  Store
	sender Sender
	log    logx.Logger
	now    func() time.Time

	// owner identifies this worker instance in lock leases.
	owner string

	mu  sync.Mutex
	cfg Config

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(cfg Config, store Store, sender Sender, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		store:  store,
		sender: sender,
		log:    log,
		now:    time.Now,
		owner:  uuid.NewString(),
		cfg:    cfg.withDefaults(),
		kickCh: make(chan struct{}, 1),
	}
}

func (w *Worker) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Kick requests an immediate check outside the fixed tick (used right after
// an enqueue). Non-blocking; a pending kick is enough.
func (w *Worker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stopCh != nil {
		w.mu.Unlock()
		return
	}
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	tick := w.cfg.Tick
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("panic in delivery worker",
					logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		w.loop(ctx, stopCh, tick)
	}()
	w.log.Info("delivery worker started", logx.Duration("tick", tick), logx.String("owner", w.owner))
}

func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if w.stopCh == nil {
		w.mu.Unlock()
		return
	}
	stopCh := w.stopCh
	w.stopCh = nil
	w.mu.Unlock()

	close(stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
		case <-w.kickCh:
		}
		if err := w.Tick(ctx); err != nil {
			// Store or channel trouble aborts the tick; next tick retries.
			w.log.Warn("delivery tick failed", logx.Err(err))
		}
	}
}

// Tick performs one delivery pass: pick the single best eligible candidate,
// lease it, re-check policy under the lease, send, record the outcome.
func (w *Worker) Tick(ctx context.Context) error {
	cfg := w.config()
	now := w.now()

	candidates, err := w.store.ListSendable(ctx, now)
	if err != nil {
		return fmt.Errorf("list sendable: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	best, err := w.pickCandidate(ctx, cfg, candidates)
	if err != nil {
		return err
	}

	until := now.Add(cfg.LockLease)
	ok, err := w.store.AcquireLock(ctx, best.PostID, w.owner, until, now)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", best.PostID, err)
	}
	if !ok {
		// Another worker instance got there first; not our item this tick.
		w.log.Debug("lock contention; skipping", logx.String("post", best.PostID))
		return nil
	}

	// Everything below holds the lease and must release it on every path
	// that doesn't terminate the item.
	locked, err := w.store.GetQueueItem(ctx, best.PostID)
	if err != nil {
		_ = w.store.ReleaseLock(ctx, best.PostID, w.owner)
		return fmt.Errorf("recheck %s: %w", best.PostID, err)
	}
	if locked.Sent || locked.EligibleAt.After(now) {
		_ = w.store.ReleaseLock(ctx, best.PostID, w.owner)
		return nil
	}

	lastSend, err := w.store.LastGlobalSend(ctx)
	if err != nil {
		_ = w.store.ReleaseLock(ctx, best.PostID, w.owner)
		return fmt.Errorf("last send lookup: %w", err)
	}
	dec := policy.CanSend(policy.Config{
		QuietStart: cfg.QuietStart,
		QuietEnd:   cfg.QuietEnd,
		Location:   cfg.Location,
		MinSendGap: cfg.MinSendGap,
	}, lastSend, now)
	if !dec.Allowed {
		w.log.Debug("send denied by policy",
			logx.String("post", best.PostID), logx.String("reason", dec.Reason))
		_ = w.store.ReleaseLock(ctx, best.PostID, w.owner)
		return nil
	}

	return w.deliver(ctx, cfg, locked)
}

// pickCandidate applies the anti-streak rule: when the two most recent sends
// were both from the high-volume source and the next candidate is too, prefer
// the best candidate from a different source so a burst can't starve the
// others.
func (w *Worker) pickCandidate(ctx context.Context, cfg Config, candidates []storage.QueueItem) (storage.QueueItem, error) {
	best := candidates[0]
	if best.Source != cfg.StreakSource {
		return best, nil
	}
	recent, err := w.store.RecentSends(ctx, 2)
	if err != nil {
		return storage.QueueItem{}, fmt.Errorf("recent sends: %w", err)
	}
	if len(recent) < 2 || recent[0] != cfg.StreakSource || recent[1] != cfg.StreakSource {
		return best, nil
	}
	for _, c := range candidates[1:] {
		if c.Source != cfg.StreakSource {
			w.log.Debug("anti-streak pick",
				logx.String("post", c.PostID), logx.String("skipped", best.PostID))
			return c, nil
		}
	}
	return best, nil
}

func (w *Worker) deliver(ctx context.Context, cfg Config, it storage.QueueItem) error {
	opp, err := w.store.GetOpportunity(ctx, it.PostID)
	if err != nil {
		_ = w.store.ReleaseLock(ctx, it.PostID, w.owner)
		return fmt.Errorf("load opportunity %s: %w", it.PostID, err)
	}

	msg := FormatMessage(opp, it)
	sendErr := w.sender.Send(ctx, msg, opp.DocumentPath)
	now := w.now()

	if sendErr == nil {
		if err := w.store.MarkSent(ctx, it.PostID, now); err != nil {
			return fmt.Errorf("mark sent %s: %w", it.PostID, err)
		}
		if err := w.store.SetOpportunityOutcome(ctx, it.PostID, storage.OppDelivered, "", now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("outcome %s: %w", it.PostID, err)
		}
		if err := w.store.RecordSend(ctx, dayKey(now, cfg.Location), it.Source, now); err != nil {
			return fmt.Errorf("record send: %w", err)
		}
		w.log.Info("item delivered",
			logx.String("post", it.PostID),
			logx.String("source", it.Source),
			logx.Int("attempt", it.Attempts+1))
		return nil
	}

	attempts := it.Attempts + 1
	if attempts >= cfg.MaxAttempts {
		reason := fmt.Sprintf("send failed after %d attempts: %v", attempts, sendErr)
		if err := w.store.MarkAborted(ctx, it.PostID, attempts, reason, now); err != nil {
			return fmt.Errorf("abort %s: %w", it.PostID, err)
		}
		if err := w.store.SetOpportunityOutcome(ctx, it.PostID, storage.OppFailed, reason, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("outcome %s: %w", it.PostID, err)
		}
		w.log.Warn("item permanently aborted",
			logx.String("post", it.PostID), logx.Int("attempts", attempts), logx.Err(sendErr))
		return nil
	}

	retryAt := now.Add(cfg.RetryDelay)
	if err := w.store.MarkRetry(ctx, it.PostID, attempts, retryAt, sendErr.Error()); err != nil {
		return fmt.Errorf("mark retry %s: %w", it.PostID, err)
	}
	w.log.Warn("send failed; retry scheduled",
		logx.String("post", it.PostID),
		logx.Int("attempt", attempts),
		logx.Time("retry_at", retryAt),
		logx.Err(sendErr))
	return nil
}
