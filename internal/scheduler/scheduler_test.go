package scheduler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"oppbot/internal/classify"
	"oppbot/internal/delivery"
	"oppbot/internal/storage"
	logx "oppbot/pkg/logx"
)

type fakeBuffer struct {
	items      []storage.BufferItem
	classified map[string]storage.Classification
	markErr    error
}

func (f *fakeBuffer) Depth(ctx context.Context) (int, error) { return len(f.items), nil }

func (f *fakeBuffer) Drain(ctx context.Context, limit int) ([]storage.BufferItem, error) {
	if limit > len(f.items) {
		limit = len(f.items)
	}
	out := make([]storage.BufferItem, limit)
	copy(out, f.items)
	return out, nil
}

func (f *fakeBuffer) MarkClassified(ctx context.Context, postID string, res storage.Classification) error {
	if f.markErr != nil {
		return f.markErr
	}
	if f.classified == nil {
		f.classified = map[string]storage.Classification{}
	}
	f.classified[postID] = res
	for i, it := range f.items {
		if it.PostID == postID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			break
		}
	}
	return nil
}

type fakeClassifier struct {
	verdicts map[string]classify.Verdict
	errs     map[string]error

	replies   int
	documents int
	confirms  int
	confirmOK bool
}

func (f *fakeClassifier) Classify(ctx context.Context, it storage.BufferItem) (classify.Verdict, error) {
	if err := f.errs[it.PostID]; err != nil {
		return classify.Verdict{}, err
	}
	return f.verdicts[it.PostID], nil
}

func (f *fakeClassifier) Reply(ctx context.Context, it storage.BufferItem, v classify.Verdict) (string, error) {
	f.replies++
	return "draft reply", nil
}

func (f *fakeClassifier) Document(ctx context.Context, it storage.BufferItem, v classify.Verdict) (string, error) {
	f.documents++
	return "# One pager\n", nil
}

func (f *fakeClassifier) ConfirmHighValue(ctx context.Context, it storage.BufferItem, v classify.Verdict) (bool, error) {
	f.confirms++
	return f.confirmOK, nil
}

type fakeEnqueuer struct {
	enqueued  []string
	collapsed [][]string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, c delivery.Candidate, title, body string) (delivery.EnqueueResult, error) {
	f.enqueued = append(f.enqueued, c.PostID)
	return delivery.EnqueueResult{Enqueued: true}, nil
}

func (f *fakeEnqueuer) Collapse(ctx context.Context, postIDs []string) (int, error) {
	f.collapsed = append(f.collapsed, postIDs)
	return 0, nil
}

type fakeOpps struct {
	byID map[string]storage.Opportunity
}

func (f *fakeOpps) UpsertOpportunity(ctx context.Context, o storage.Opportunity) error {
	if f.byID == nil {
		f.byID = map[string]storage.Opportunity{}
	}
	f.byID[o.PostID] = o
	return nil
}

func bufItem(id, source string) storage.BufferItem {
	return storage.BufferItem{PostID: id, Source: source, Title: "title " + id, Body: "body"}
}

func newTestService(t *testing.T, cfg Config, buf *fakeBuffer, clf *fakeClassifier, enq *fakeEnqueuer, opp *fakeOpps) *Service {
	t.Helper()
	if cfg.DocDir == "" {
		cfg.DocDir = t.TempDir()
	}
	s := New(cfg, buf, clf, enq, opp, logx.Nop())
	s.now = func() time.Time { return time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestRunOnceAcceptAndReject(t *testing.T) {
	buf := &fakeBuffer{items: []storage.BufferItem{
		bufItem("a", "reddit"), bufItem("b", "reddit"), bufItem("c", "reddit"),
	}}
	clf := &fakeClassifier{verdicts: map[string]classify.Verdict{
		"a": {Valid: true, Category: "job", Score: 75, Reasoning: "good"},
		"b": {Valid: true, Category: "other", Score: 40, Reasoning: "weak"},
		"c": {Valid: false, Category: "other", Score: 90, Reasoning: "spam"},
	}}
	enq := &fakeEnqueuer{}
	opp := &fakeOpps{}
	s := newTestService(t, Config{}, buf, clf, enq, opp)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(enq.enqueued) != 1 || enq.enqueued[0] != "a" {
		t.Fatalf("enqueued = %v, want [a]", enq.enqueued)
	}
	if got := opp.byID["a"].Status; got != storage.OppAccepted {
		t.Fatalf("a status = %s, want accepted", got)
	}
	if got := opp.byID["b"].Status; got != storage.OppRejected {
		t.Fatalf("b status = %s, want rejected (below threshold)", got)
	}
	if got := opp.byID["c"]; got.Status != storage.OppRejected || got.FailReason != "invalid classification" {
		t.Fatalf("c = %+v, want rejected invalid", got)
	}
	// All three were classified, accepted or not.
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := buf.classified[id]; !ok {
			t.Errorf("%s not marked classified", id)
		}
	}
}

func TestRunOnceSkipsFailedItems(t *testing.T) {
	buf := &fakeBuffer{items: []storage.BufferItem{
		bufItem("broken", "reddit"), bufItem("ok", "reddit"),
	}}
	clf := &fakeClassifier{
		verdicts: map[string]classify.Verdict{"ok": {Valid: true, Category: "job", Score: 80}},
		errs:     map[string]error{"broken": errors.New("service down")},
	}
	enq := &fakeEnqueuer{}
	opp := &fakeOpps{}
	s := newTestService(t, Config{}, buf, clf, enq, opp)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The failed item stays unclassified for a later drain; the rest proceed.
	if _, ok := buf.classified["broken"]; ok {
		t.Fatal("failed item was marked classified")
	}
	if len(enq.enqueued) != 1 || enq.enqueued[0] != "ok" {
		t.Fatalf("enqueued = %v, want [ok]", enq.enqueued)
	}
	if sn := s.Snapshot(); sn.Skipped != 1 || sn.Accepted != 1 {
		t.Fatalf("snapshot = %+v", sn)
	}
}

func TestRunOnceStoreFailureAbortsTick(t *testing.T) {
	buf := &fakeBuffer{
		items:   []storage.BufferItem{bufItem("a", "reddit")},
		markErr: errors.New("disk full"),
	}
	clf := &fakeClassifier{verdicts: map[string]classify.Verdict{
		"a": {Valid: true, Category: "job", Score: 80},
	}}
	s := newTestService(t, Config{}, buf, clf, &fakeEnqueuer{}, &fakeOpps{})

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("store failure must abort the tick")
	}
}

func TestRunOnceBatchPlan(t *testing.T) {
	var items []storage.BufferItem
	verdicts := map[string]classify.Verdict{}
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		items = append(items, bufItem(id, "hn"))
		verdicts[id] = classify.Verdict{Valid: true, Category: "job", Score: 80}
	}
	buf := &fakeBuffer{items: items}
	clf := &fakeClassifier{verdicts: verdicts}
	enq := &fakeEnqueuer{}
	s := newTestService(t, Config{MinBatch: 3, MaxBatch: 10, MaxRunsPerDrain: 4}, buf, clf, enq, &fakeOpps{})
	ctx := context.Background()

	// Backlog 7 -> 3 runs of 3.
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	sn := s.Snapshot()
	if sn.BatchSize != 3 || sn.RunsTotal != 3 || sn.RunsDone != 1 {
		t.Fatalf("after run 1: %+v", sn)
	}
	if len(enq.enqueued) != 3 {
		t.Fatalf("run 1 processed %d items, want 3", len(enq.enqueued))
	}

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run 3: %v", err)
	}
	if len(enq.enqueued) != 7 {
		t.Fatalf("processed %d items total, want 7", len(enq.enqueued))
	}
	if sn := s.Snapshot(); sn.PlanState != "idle" {
		t.Fatalf("plan state after drain = %s, want idle", sn.PlanState)
	}

	// Empty backlog: nothing to do, plan stays idle.
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("idle run: %v", err)
	}
}

func TestRunOnceCollapsesBatch(t *testing.T) {
	buf := &fakeBuffer{items: []storage.BufferItem{
		bufItem("a", "github"), bufItem("b", "github"),
	}}
	clf := &fakeClassifier{verdicts: map[string]classify.Verdict{
		"a": {Valid: true, Category: "job", Score: 80},
		"b": {Valid: true, Category: "job", Score: 82},
	}}
	enq := &fakeEnqueuer{}
	s := newTestService(t, Config{}, buf, clf, enq, &fakeOpps{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(enq.collapsed) != 1 || len(enq.collapsed[0]) != 2 {
		t.Fatalf("collapse calls = %v, want one call with both ids", enq.collapsed)
	}
}

func TestReplyPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      SourcePolicy
		score       int
		wantReplies int
	}{
		{"never", SourcePolicy{Replies: RepliesNever}, 95, 0},
		{"default is never", SourcePolicy{}, 95, 0},
		{"always", SourcePolicy{Replies: RepliesAlways}, 61, 1},
		{"threshold met", SourcePolicy{Replies: RepliesThreshold, ReplyScore: 70}, 75, 1},
		{"threshold missed", SourcePolicy{Replies: RepliesThreshold, ReplyScore: 70}, 65, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &fakeBuffer{items: []storage.BufferItem{bufItem("a", "reddit")}}
			clf := &fakeClassifier{verdicts: map[string]classify.Verdict{
				"a": {Valid: true, Category: "job", Score: tt.score},
			}}
			opp := &fakeOpps{}
			cfg := Config{Sources: map[string]SourcePolicy{"reddit": tt.policy}}
			s := newTestService(t, cfg, buf, clf, &fakeEnqueuer{}, opp)

			if err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}
			if clf.replies != tt.wantReplies {
				t.Fatalf("reply calls = %d, want %d", clf.replies, tt.wantReplies)
			}
			if tt.wantReplies > 0 && opp.byID["a"].ReplyText == "" {
				t.Fatal("reply draft not stored on the opportunity")
			}
		})
	}
}

func TestDocumentPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    SourcePolicy
		score     int
		confirmOK bool
		wantDoc   bool
		confirms  int
	}{
		{"never", SourcePolicy{Document: DocumentNever}, 95, true, false, 0},
		{"on accept", SourcePolicy{Document: DocumentAccept}, 70, false, true, 0},
		{"high value confirmed", SourcePolicy{Document: DocumentHighValue}, 90, true, true, 1},
		{"high value denied", SourcePolicy{Document: DocumentHighValue}, 90, false, false, 1},
		{"high value below threshold", SourcePolicy{Document: DocumentHighValue}, 80, true, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &fakeBuffer{items: []storage.BufferItem{bufItem("a", "github")}}
			clf := &fakeClassifier{
				verdicts:  map[string]classify.Verdict{"a": {Valid: true, Category: "job", Score: tt.score}},
				confirmOK: tt.confirmOK,
			}
			opp := &fakeOpps{}
			cfg := Config{
				DocDir:  t.TempDir(),
				Sources: map[string]SourcePolicy{"github": tt.policy},
			}
			s := newTestService(t, cfg, buf, clf, &fakeEnqueuer{}, opp)

			if err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}
			if clf.confirms != tt.confirms {
				t.Fatalf("confirm calls = %d, want %d", clf.confirms, tt.confirms)
			}
			path := opp.byID["a"].DocumentPath
			if tt.wantDoc {
				if path == "" {
					t.Fatal("document path not stored")
				}
				if _, err := os.Stat(path); err != nil {
					t.Fatalf("document file missing: %v", err)
				}
			} else if path != "" {
				t.Fatalf("unexpected document %q", path)
			}
		})
	}
}
