// Package scheduler drains the ingestion buffer in size-bounded batches,
// classifies each item through the request throttle, persists the verdicts
// and hands accepted items to the delivery queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"oppbot/internal/classify"
	"oppbot/internal/delivery"
	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

// Reply policy values.
const (
	RepliesNever     = "never"
	RepliesAlways    = "always"
	RepliesThreshold = "threshold"
)

// Document policy values.
const (
	DocumentNever     = "never"
	DocumentAccept    = "accept"
	DocumentHighValue = "highvalue"
)

// SourcePolicy is per-source generation policy.
type SourcePolicy struct {
	Replies    string // never|always|threshold
	ReplyScore int    // threshold policy only
	Document   string // never|accept|highvalue
}

type Config struct {
	TickMin time.Duration
	TickMax time.Duration

	MinBatch        int
	MaxBatch        int
	MaxRunsPerDrain int

	AcceptScore    int
	HighValueScore int

	// DocDir is where generated documents are written.
	DocDir string

	Sources map[string]SourcePolicy
}

func (c Config) withDefaults() Config {
	if c.TickMin <= 0 {
		c.TickMin = 2 * time.Minute
	}
	if c.TickMax < c.TickMin {
		c.TickMax = c.TickMin + time.Minute
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 3
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = 10
	}
	if c.MaxRunsPerDrain <= 0 {
		c.MaxRunsPerDrain = 4
	}
	if c.AcceptScore <= 0 {
		c.AcceptScore = 60
	}
	if c.HighValueScore <= 0 {
		c.HighValueScore = 85
	}
	if c.DocDir == "" {
		c.DocDir = "./docs"
	}
	return c
}

// Buffer is the drain side of the ingestion buffer.
type Buffer interface {
	Depth(ctx context.Context) (int, error)
	Drain(ctx context.Context, limit int) ([]storage.BufferItem, error)
	MarkClassified(ctx context.Context, postID string, res storage.Classification) error
}

// Classifier is the throttled scoring-service client.
type Classifier interface {
	Classify(ctx context.Context, it storage.BufferItem) (classify.Verdict, error)
	Reply(ctx context.Context, it storage.BufferItem, v classify.Verdict) (string, error)
	Document(ctx context.Context, it storage.BufferItem, v classify.Verdict) (string, error)
	ConfirmHighValue(ctx context.Context, it storage.BufferItem, v classify.Verdict) (bool, error)
}

// Enqueuer is the delivery queue's intake.
type Enqueuer interface {
	Enqueue(ctx context.Context, c delivery.Candidate, title, body string) (delivery.EnqueueResult, error)
	Collapse(ctx context.Context, postIDs []string) (int, error)
}

// Opportunities persists lifecycle records.
type Opportunities interface {
	UpsertOpportunity(ctx context.Context, o storage.Opportunity) error
}

// Service is the classifier batch scheduler. RunOnce is registered on the
// cron runner with a JitterSchedule; runs never overlap (runMu).
type Service struct {
	buf Buffer
	clf Classifier
	enq Enqueuer
	opp Opportunities
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	cfg Config

	runMu sync.Mutex
	plan  drainPlan

	// Lifetime counters for the operator report.
	statsMu  sync.Mutex
	accepted uint64
	rejected uint64
	skipped  uint64
}

func New(cfg Config, buf Buffer, clf Classifier, enq Enqueuer, opp Opportunities, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		buf: buf, clf: clf, enq: enq, opp: opp,
		log: log, now: time.Now, cfg: cfg.withDefaults(),
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RunOnce executes one scheduler tick: plan (if the previous plan is
// exhausted), drain one batch, process it sequentially, collapse same-repo
// items. A store failure aborts the tick; per-item trouble only skips the
// item.
func (s *Service) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cfg := s.config()

	backlog, err := s.buf.Depth(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: backlog count: %w", err)
	}
	if backlog == 0 {
		s.plan = drainPlan{}
		return nil
	}

	if s.plan.exhausted() {
		s.plan = planFor(backlog, cfg.MinBatch, cfg.MaxBatch, cfg.MaxRunsPerDrain)
		s.log.Info("drain plan computed",
			logx.Int("backlog", backlog),
			logx.Int("batch_size", s.plan.batchSize),
			logx.Int("runs", s.plan.runsTotal))
	}

	items, err := s.buf.Drain(ctx, s.plan.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: drain: %w", err)
	}

	var enqueued []string
	for _, it := range items {
		postID, err := s.processItem(ctx, cfg, it)
		if err != nil {
			// Persistence failures poison the whole tick; anything else is
			// one item's problem.
			if errors.Is(err, errSkipItem) {
				s.countSkip()
				continue
			}
			return err
		}
		if postID != "" {
			enqueued = append(enqueued, postID)
		}
	}

	if len(enqueued) > 1 {
		if n, err := s.enq.Collapse(ctx, enqueued); err != nil {
			return fmt.Errorf("scheduler: collapse: %w", err)
		} else if n > 0 {
			s.log.Info("batch collapsed", logx.Int("removed", n), logx.Int("enqueued", len(enqueued)))
		}
	}

	s.plan.completeRun()
	return nil
}

// errSkipItem marks per-item failures that must not abort the batch.
var errSkipItem = errors.New("skip item")

// processItem classifies one item end to end. Returns the identity when the
// item was enqueued for delivery, "" otherwise.
func (s *Service) processItem(ctx context.Context, cfg Config, it storage.BufferItem) (string, error) {
	v, err := s.clf.Classify(ctx, it)
	if err != nil {
		// Service errors after the throttle's retries: leave unclassified so
		// a later drain picks it back up.
		s.log.Warn("classification failed; skipping item",
			logx.String("post", it.PostID), logx.Err(err))
		return "", errSkipItem
	}

	res := storage.Classification{
		Valid: v.Valid, Category: v.Category, Score: v.Score, Reasoning: v.Reasoning,
	}
	if err := s.buf.MarkClassified(ctx, it.PostID, res); err != nil {
		return "", fmt.Errorf("scheduler: mark classified %s: %w", it.PostID, err)
	}

	now := s.now()
	opp := storage.Opportunity{
		PostID:     it.PostID,
		Source:     it.Source,
		SubContext: it.SubContext,
		Title:      it.Title,
		Permalink:  it.Permalink,
		Valid:      v.Valid,
		Category:   v.Category,
		Score:      v.Score,
		Reasoning:  v.Reasoning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if !v.Valid || v.Score < cfg.AcceptScore {
		opp.Status = storage.OppRejected
		opp.FailReason = rejectReason(v, cfg.AcceptScore)
		if err := s.opp.UpsertOpportunity(ctx, opp); err != nil {
			return "", fmt.Errorf("scheduler: persist rejected %s: %w", it.PostID, err)
		}
		s.countReject()
		s.log.Debug("item rejected",
			logx.String("post", it.PostID), logx.Int("score", v.Score), logx.Bool("valid", v.Valid))
		return "", nil
	}

	pol := cfg.Sources[it.Source]
	opp.ReplyText = s.maybeReply(ctx, pol, it, v)
	opp.DocumentPath = s.maybeDocument(ctx, cfg, pol, it, v)

	opp.Status = storage.OppAccepted
	if err := s.opp.UpsertOpportunity(ctx, opp); err != nil {
		return "", fmt.Errorf("scheduler: persist accepted %s: %w", it.PostID, err)
	}
	s.countAccept()

	res2, err := s.enq.Enqueue(ctx, delivery.Candidate{
		PostID:     it.PostID,
		Source:     it.Source,
		SubContext: it.SubContext,
		Title:      it.Title,
		Score:      v.Score,
	}, it.Title, it.Body)
	if err != nil {
		return "", fmt.Errorf("scheduler: enqueue %s: %w", it.PostID, err)
	}
	if !res2.Enqueued {
		s.log.Debug("enqueue rejected",
			logx.String("post", it.PostID), logx.String("reason", res2.Reason))
		return "", nil
	}
	return it.PostID, nil
}

// maybeReply applies the per-source reply policy. Generation trouble is
// logged and swallowed: the classification already stands, and a missing
// draft is not worth losing the item over.
func (s *Service) maybeReply(ctx context.Context, pol SourcePolicy, it storage.BufferItem, v classify.Verdict) string {
	switch pol.Replies {
	case RepliesAlways:
	case RepliesThreshold:
		if v.Score < pol.ReplyScore {
			return ""
		}
	default:
		return ""
	}
	text, err := s.clf.Reply(ctx, it, v)
	if err != nil {
		s.log.Warn("reply generation failed", logx.String("post", it.PostID), logx.Err(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (s *Service) maybeDocument(ctx context.Context, cfg Config, pol SourcePolicy, it storage.BufferItem, v classify.Verdict) string {
	switch pol.Document {
	case DocumentAccept:
	case DocumentHighValue:
		if v.Score < cfg.HighValueScore {
			return ""
		}
		ok, err := s.clf.ConfirmHighValue(ctx, it, v)
		if err != nil {
			s.log.Warn("high-value check failed", logx.String("post", it.PostID), logx.Err(err))
			return ""
		}
		if !ok {
			return ""
		}
	default:
		return ""
	}

	text, err := s.clf.Document(ctx, it, v)
	if err != nil {
		s.log.Warn("document generation failed", logx.String("post", it.PostID), logx.Err(err))
		return ""
	}
	path, err := s.writeDocument(cfg.DocDir, it.PostID, text)
	if err != nil {
		s.log.Warn("document write failed", logx.String("post", it.PostID), logx.Err(err))
		return ""
	}
	return path
}

func (s *Service) writeDocument(dir, postID, text string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sanitizeFilename(postID)+".md")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func rejectReason(v classify.Verdict, acceptScore int) string {
	if !v.Valid {
		return "invalid classification"
	}
	return fmt.Sprintf("score %d below accept threshold %d", v.Score, acceptScore)
}

func (s *Service) countAccept() { s.statsMu.Lock(); s.accepted++; s.statsMu.Unlock() }
func (s *Service) countReject() { s.statsMu.Lock(); s.rejected++; s.statsMu.Unlock() }
func (s *Service) countSkip()   { s.statsMu.Lock(); s.skipped++; s.statsMu.Unlock() }

// Snapshot reports scheduler progress for the operator report.
type Snapshot struct {
	PlanState string
	BatchSize int
	RunsDone  int
	RunsTotal int
	Accepted  uint64
	Rejected  uint64
	Skipped   uint64
}

func (s *Service) Snapshot() Snapshot {
	s.runMu.Lock()
	p := s.plan
	s.runMu.Unlock()
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Snapshot{
		PlanState: p.state.String(),
		BatchSize: p.batchSize,
		RunsDone:  p.runsDone,
		RunsTotal: p.runsTotal,
		Accepted:  s.accepted,
		Rejected:  s.rejected,
		Skipped:   s.skipped,
	}
}
