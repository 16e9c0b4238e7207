package delivery

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

func openTestStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCfg() Config {
	return Config{
		Debounce:       2 * time.Minute,
		DeliverScore:   60,
		HighValueScore: 85,
		Location:       time.UTC,
		OnePerRepoPerDay: map[string]bool{
			"github": true,
		},
	}
}

var baseTime = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, db *storage.DB) *Queue {
	t.Helper()
	q := NewQueue(testCfg(), db, logx.Nop())
	q.now = func() time.Time { return baseTime }
	return q
}

func cand(id string, score int) Candidate {
	return Candidate{PostID: id, Source: "github", SubContext: "acme/widget", Title: "title " + id, Score: score}
}

func TestEnqueueHappyPath(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	kicked := false
	q.SetOnEnqueue(func() { kicked = true })

	res, err := q.Enqueue(ctx, cand("gh/1", 70), "title", "body")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !res.Enqueued {
		t.Fatalf("rejected: %q", res.Reason)
	}
	if !kicked {
		t.Fatal("enqueue did not kick the worker")
	}

	it, err := db.GetQueueItem(ctx, "gh/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.Priority != storage.PriorityNormal {
		t.Fatalf("priority = %s, want normal", it.Priority)
	}
	if !it.EligibleAt.Equal(baseTime.Add(2 * time.Minute)) {
		t.Fatalf("eligible_at = %v, debounce not applied", it.EligibleAt)
	}
	if it.Fingerprint == "" {
		t.Fatal("fingerprint missing")
	}
}

func TestEnqueueHighValuePriority(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	if res, err := q.Enqueue(ctx, cand("gh/1", 90), "t", "b"); err != nil || !res.Enqueued {
		t.Fatalf("enqueue = %+v, %v", res, err)
	}
	it, _ := db.GetQueueItem(ctx, "gh/1")
	if it.Priority != storage.PriorityHigh {
		t.Fatalf("priority = %s, want high at score 90", it.Priority)
	}
}

func TestEnqueueGates(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	// Threshold gate.
	res, err := q.Enqueue(ctx, cand("gh/low", 59), "unique low", "content")
	if err != nil || res.Enqueued || res.Reason != ReasonBelowThreshold {
		t.Fatalf("below threshold = %+v, %v", res, err)
	}

	// Seed one queued item.
	if res, err = q.Enqueue(ctx, cand("gh/1", 70), "first title", "first body"); err != nil || !res.Enqueued {
		t.Fatalf("seed enqueue = %+v, %v", res, err)
	}

	// Same identity while unsent.
	res, err = q.Enqueue(ctx, cand("gh/1", 70), "first title", "first body")
	if err != nil || res.Enqueued || res.Reason != ReasonAlreadyQueued {
		t.Fatalf("already queued = %+v, %v", res, err)
	}

	// Different identity, same content.
	other := cand("gh/2", 70)
	other.SubContext = "acme/other"
	res, err = q.Enqueue(ctx, other, "First  Title!", "first body...")
	if err != nil || res.Enqueued || res.Reason != ReasonDuplicateContent {
		t.Fatalf("duplicate content = %+v, %v", res, err)
	}

	// Terminal opportunity blocks re-entry.
	now := baseTime
	opp := storage.Opportunity{PostID: "gh/old", Source: "github",
		Status: storage.OppDelivered, CreatedAt: now, UpdatedAt: now}
	if err := db.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert opp: %v", err)
	}
	res, err = q.Enqueue(ctx, cand("gh/old", 70), "old title", "old body")
	if err != nil || res.Enqueued || res.Reason != ReasonAlreadyProcessed {
		t.Fatalf("already processed = %+v, %v", res, err)
	}
}

func TestEnqueueRepoSentToday(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	if res, err := q.Enqueue(ctx, cand("gh/1", 70), "first", "body one"); err != nil || !res.Enqueued {
		t.Fatalf("enqueue = %+v, %v", res, err)
	}
	if err := db.MarkSent(ctx, "gh/1", baseTime.Add(5*time.Minute)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	q.now = func() time.Time { return baseTime.Add(time.Hour) }
	res, err := q.Enqueue(ctx, cand("gh/2", 70), "second", "body two")
	if err != nil || res.Enqueued || res.Reason != ReasonRepoSentToday {
		t.Fatalf("same repo same day = %+v, %v", res, err)
	}

	// Next day the repo is allowed again.
	q.now = func() time.Time { return baseTime.AddDate(0, 0, 1) }
	res, err = q.Enqueue(ctx, cand("gh/3", 70), "third", "body three")
	if err != nil || !res.Enqueued {
		t.Fatalf("next day = %+v, %v", res, err)
	}

	// The per-day rule only binds listed sources.
	q2 := newTestQueue(t, db)
	q2.now = func() time.Time { return baseTime.Add(time.Hour) }
	reddit := Candidate{PostID: "r/1", Source: "reddit", SubContext: "golang", Title: "r", Score: 70}
	res, err = q2.Enqueue(ctx, reddit, "reddit title", "reddit body")
	if err != nil || !res.Enqueued {
		t.Fatalf("unlisted source = %+v, %v", res, err)
	}
}

func TestCollapseKeepsHighestScore(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	seed := []struct {
		id    string
		repo  string
		score int
	}{
		{"gh/1", "acme/widget", 70},
		{"gh/2", "acme/widget", 88},
		{"gh/3", "acme/widget", 65},
		{"gh/4", "acme/other", 75},
	}
	for i, s := range seed {
		c := Candidate{PostID: s.id, Source: "github", SubContext: s.repo, Title: s.id, Score: s.score}
		if res, err := q.Enqueue(ctx, c, "title "+s.id, "body "+s.id); err != nil || !res.Enqueued {
			t.Fatalf("enqueue %s = %+v, %v", s.id, res, err)
		}
		opp := storage.Opportunity{PostID: s.id, Source: "github", SubContext: s.repo,
			Status: storage.OppAccepted, Score: s.score,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			UpdatedAt: baseTime.Add(time.Duration(i) * time.Second)}
		if err := db.UpsertOpportunity(ctx, opp); err != nil {
			t.Fatalf("upsert opp: %v", err)
		}
	}

	n, err := q.Collapse(ctx, []string{"gh/1", "gh/2", "gh/3", "gh/4"})
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if n != 2 {
		t.Fatalf("collapsed = %d, want 2", n)
	}

	// The best item and the other repo survive.
	for _, id := range []string{"gh/2", "gh/4"} {
		it, _ := db.GetQueueItem(ctx, id)
		if it.Sent {
			t.Fatalf("%s was collapsed but should survive", id)
		}
	}
	for _, id := range []string{"gh/1", "gh/3"} {
		it, _ := db.GetQueueItem(ctx, id)
		if !it.Sent || it.FailReason != ReasonCollapsed {
			t.Fatalf("%s not collapsed: %+v", id, it)
		}
		opp, _ := db.GetOpportunity(ctx, id)
		if opp.Status != storage.OppCollapsed {
			t.Fatalf("%s opportunity status = %s, want collapsed", id, opp.Status)
		}
	}
}

func TestCollapseIgnoresSingletons(t *testing.T) {
	db := openTestStore(t)
	q := newTestQueue(t, db)
	ctx := context.Background()

	if res, err := q.Enqueue(ctx, cand("gh/1", 70), "only", "body"); err != nil || !res.Enqueued {
		t.Fatalf("enqueue = %+v, %v", res, err)
	}
	if n, err := q.Collapse(ctx, []string{"gh/1"}); err != nil || n != 0 {
		t.Fatalf("collapse singleton = %d, %v; want 0", n, err)
	}
	if n, err := q.Collapse(ctx, []string{"gh/1", "missing"}); err != nil || n != 0 {
		t.Fatalf("collapse with missing id = %d, %v; want 0", n, err)
	}
}

func TestFormatMessage(t *testing.T) {
	opp := storage.Opportunity{
		Category: "job", Title: "Go engineer wanted", Source: "github",
		SubContext: "acme/widget", Score: 91, Reasoning: "strong match",
		Permalink: "https://example.com/p/1", ReplyText: "Hi, interested!",
	}
	it := storage.QueueItem{Priority: storage.PriorityHigh}

	got := FormatMessage(opp, it)
	for _, want := range []string{
		"HIGH VALUE", "[job] Go engineer wanted", "acme/widget",
		"score 91", "strong match", "https://example.com/p/1", "Hi, interested!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}

	it.Priority = storage.PriorityNormal
	if strings.Contains(FormatMessage(opp, it), "HIGH VALUE") {
		t.Error("normal priority carries the high-value marker")
	}
}
