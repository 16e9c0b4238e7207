// Package report renders the operator status report: queue depths, drain
// progress, classification call counts and daily delivery tallies.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"oppbot/internal/classify"
	"oppbot/internal/scheduler"
	"oppbot/internal/storage"
	"oppbot/internal/throttle"
)

// Stats is the read side of the pipeline the report pulls from.
type Stats interface {
	BufferDepth(ctx context.Context) (int, error)
	QueueDepth(ctx context.Context) (storage.QueueDepth, error)
	DayState(ctx context.Context, date string) (storage.DayState, error)
}

type Service struct {
	stats Stats
	thr   *throttle.Service
	clf   *classify.Client
	sched *scheduler.Service
	loc   *time.Location
	now   func() time.Time
}

func New(stats Stats, thr *throttle.Service, clf *classify.Client, sched *scheduler.Service, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{stats: stats, thr: thr, clf: clf, sched: sched, loc: loc, now: time.Now}
}

// Render builds the full report. Store errors degrade the affected section
// instead of failing the whole report.
func (s *Service) Render(ctx context.Context) string {
	now := s.now().In(s.loc)
	var b strings.Builder

	fmt.Fprintf(&b, "Status — %s\n\n", now.Format("Mon 2 Jan 15:04"))

	if n, err := s.stats.BufferDepth(ctx); err != nil {
		fmt.Fprintf(&b, "Buffer: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Buffer: %s awaiting classification\n", humanize.Comma(int64(n)))
	}

	if d, err := s.stats.QueueDepth(ctx); err != nil {
		fmt.Fprintf(&b, "Queue: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Queue: %d pending (%d locked), %d delivered, %d aborted\n",
			d.Pending, d.Locked, d.Sent, d.Aborted)
	}

	if s.sched != nil {
		sn := s.sched.Snapshot()
		fmt.Fprintf(&b, "Drain: %s", sn.PlanState)
		if sn.RunsTotal > 0 {
			fmt.Fprintf(&b, " (run %d/%d, batch %d)", sn.RunsDone, sn.RunsTotal, sn.BatchSize)
		}
		fmt.Fprintf(&b, "; accepted %d, rejected %d, skipped %d\n",
			sn.Accepted, sn.Rejected, sn.Skipped)
	}

	if s.clf != nil {
		c := s.clf.CallCounters()
		fmt.Fprintf(&b, "LLM calls: %d classify, %d reply, %d document, %d high-value\n",
			c.Classify, c.Reply, c.Document, c.HighValue)
	}
	if s.thr != nil {
		t := s.thr.Snapshot()
		fmt.Fprintf(&b, "Throttle: %d in flight, %d waiting, %s admitted, %s retried\n",
			t.InFlight, t.Waiting, humanize.Comma(int64(t.Admitted)), humanize.Comma(int64(t.Retried)))
	}

	b.WriteString("\n")
	b.WriteString(s.renderDay(ctx, now))
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) renderDay(ctx context.Context, now time.Time) string {
	date := now.Format("2006-01-02")
	ds, err := s.stats.DayState(ctx, date)
	if err != nil {
		return fmt.Sprintf("Today: unavailable (%v)\n", err)
	}

	var b strings.Builder
	total := 0
	for _, st := range ds.PerSource {
		total += st.Count
	}
	fmt.Fprintf(&b, "Today: %d delivered", total)
	if !ds.LastSentAt.IsZero() {
		fmt.Fprintf(&b, ", last %s", humanize.Time(ds.LastSentAt))
	}
	b.WriteString("\n")
	srcs := make([]string, 0, len(ds.PerSource))
	for src := range ds.PerSource {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		if st := ds.PerSource[src]; st.Count > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", src, st.Count)
		}
	}
	return b.String()
}
