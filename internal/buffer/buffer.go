// Package buffer receives normalized candidate items from fetchers and holds
// them until the classifier scheduler drains them.
//
// It deduplicates by identity against both the live buffer and the durable
// opportunity records, so a repost of something already handled never
// re-enters the pipeline.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

// Rejection reasons surfaced to fetchers.
const (
	ReasonInBuffer  = "already in buffer"
	ReasonProcessed = "already processed"
)

// Item is what a fetcher hands us: one normalized candidate.
type Item struct {
	PostID     string
	Source     string
	SubContext string
	Title      string
	Body       string
	Author     string
	Permalink  string
	OriginAt   time.Time
}

// Result of an Offer.
type Result struct {
	Accepted bool
	Reason   string // set when rejected
}

// Store is the slice of the durable store the buffer needs.
type Store interface {
	GetBufferItem(ctx context.Context, postID string) (storage.BufferItem, error)
	UpsertBufferItem(ctx context.Context, it storage.BufferItem) error
	CountUnclassified(ctx context.Context) (int, error)
	ListUnclassified(ctx context.Context, limit int) ([]storage.BufferItem, error)
	MarkClassified(ctx context.Context, postID string, res storage.Classification) error
	HasTerminalOpportunity(ctx context.Context, postID string) (bool, error)
}

type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Offer adds one candidate. Re-offering an identity that is already buffered
// unclassified, or that reached a terminal outcome, is rejected; everything
// else is an idempotent upsert.
func (s *Service) Offer(ctx context.Context, it Item) (Result, error) {
	if strings.TrimSpace(it.PostID) == "" {
		return Result{}, errors.New("buffer: item has no identity")
	}
	if strings.TrimSpace(it.Source) == "" {
		return Result{}, fmt.Errorf("buffer: item %s has no source", it.PostID)
	}

	existing, err := s.store.GetBufferItem(ctx, it.PostID)
	switch {
	case err == nil:
		if !existing.Classified {
			return Result{Reason: ReasonInBuffer}, nil
		}
		// Classified already; the opportunity record decides below.
	case errors.Is(err, storage.ErrNotFound):
		// New identity.
	default:
		return Result{}, fmt.Errorf("buffer: lookup %s: %w", it.PostID, err)
	}

	done, err := s.store.HasTerminalOpportunity(ctx, it.PostID)
	if err != nil {
		return Result{}, fmt.Errorf("buffer: outcome lookup %s: %w", it.PostID, err)
	}
	if done {
		return Result{Reason: ReasonProcessed}, nil
	}

	row := storage.BufferItem{
		PostID:     it.PostID,
		Source:     it.Source,
		SubContext: it.SubContext,
		Title:      it.Title,
		Body:       it.Body,
		Author:     it.Author,
		Permalink:  it.Permalink,
		OriginAt:   it.OriginAt,
		BufferedAt: s.now(),
	}
	if err := s.store.UpsertBufferItem(ctx, row); err != nil {
		return Result{}, fmt.Errorf("buffer: upsert %s: %w", it.PostID, err)
	}
	s.log.Debug("item buffered",
		logx.String("post", it.PostID), logx.String("source", it.Source))
	return Result{Accepted: true}, nil
}

// Depth returns the unclassified backlog size.
func (s *Service) Depth(ctx context.Context) (int, error) {
	return s.store.CountUnclassified(ctx)
}

// Drain returns up to limit unclassified items, oldest first. Draining is a
// read; call MarkClassified per item once it has actually been processed.
func (s *Service) Drain(ctx context.Context, limit int) ([]storage.BufferItem, error) {
	return s.store.ListUnclassified(ctx, limit)
}

// MarkClassified flags one item as done and records its verdict.
func (s *Service) MarkClassified(ctx context.Context, postID string, res storage.Classification) error {
	return s.store.MarkClassified(ctx, postID, res)
}
