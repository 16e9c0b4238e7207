package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop()), db
}

func item(id string) Item {
	return Item{
		PostID: id, Source: "reddit", Title: "title " + id, Body: "body",
		OriginAt: time.Date(2026, 8, 10, 11, 0, 0, 0, time.UTC),
	}
}

func TestOfferAcceptsNewIdentity(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	res, err := s.Offer(ctx, item("reddit/1"))
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("rejected: %q", res.Reason)
	}
	if n, _ := s.Depth(ctx); n != 1 {
		t.Fatalf("depth = %d, want 1", n)
	}
}

func TestOfferRejectsWhileBuffered(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Offer(ctx, item("reddit/1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	res, err := s.Offer(ctx, item("reddit/1"))
	if err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	if res.Accepted || res.Reason != ReasonInBuffer {
		t.Fatalf("re-offer = %+v, want rejection %q", res, ReasonInBuffer)
	}
	if n, _ := s.Depth(ctx); n != 1 {
		t.Fatalf("depth = %d, re-offer changed the backlog", n)
	}
}

func TestOfferRejectsTerminalIdentity(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()

	if _, err := s.Offer(ctx, item("reddit/1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := s.MarkClassified(ctx, "reddit/1", storage.Classification{Valid: true, Score: 70}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	now := time.Now()
	opp := storage.Opportunity{PostID: "reddit/1", Source: "reddit",
		Status: storage.OppDelivered, CreatedAt: now, UpdatedAt: now}
	if err := db.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert opp: %v", err)
	}

	res, err := s.Offer(ctx, item("reddit/1"))
	if err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	if res.Accepted || res.Reason != ReasonProcessed {
		t.Fatalf("re-offer = %+v, want rejection %q", res, ReasonProcessed)
	}
}

func TestOfferAcceptsClassifiedNonTerminal(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()

	if _, err := s.Offer(ctx, item("reddit/1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := s.MarkClassified(ctx, "reddit/1", storage.Classification{Valid: true, Score: 70}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	now := time.Now()
	opp := storage.Opportunity{PostID: "reddit/1", Source: "reddit",
		Status: storage.OppAccepted, CreatedAt: now, UpdatedAt: now}
	if err := db.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert opp: %v", err)
	}

	// Still in flight (queued, not delivered): a repost may refresh content.
	res, err := s.Offer(ctx, item("reddit/1"))
	if err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("re-offer rejected: %q", res.Reason)
	}
}

func TestOfferValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Offer(ctx, Item{Source: "reddit"}); err == nil {
		t.Fatal("offer without identity must fail")
	}
	if _, err := s.Offer(ctx, Item{PostID: "x"}); err == nil {
		t.Fatal("offer without source must fail")
	}
}

func TestDrainOldestFirst(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"reddit/1", "reddit/2", "reddit/3"} {
		row := storage.BufferItem{PostID: id, Source: "reddit", Title: id,
			BufferedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.UpsertBufferItem(ctx, row); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := s.Drain(ctx, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0].PostID != "reddit/1" || got[1].PostID != "reddit/2" {
		t.Fatalf("drain returned %d items, want the 2 oldest", len(got))
	}

	// Draining is a read: the backlog only shrinks via MarkClassified.
	if n, _ := s.Depth(ctx); n != 3 {
		t.Fatalf("depth = %d after drain, want 3", n)
	}
	if err := s.MarkClassified(ctx, "reddit/1", storage.Classification{}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if n, _ := s.Depth(ctx); n != 2 {
		t.Fatalf("depth = %d after classify, want 2", n)
	}
}
