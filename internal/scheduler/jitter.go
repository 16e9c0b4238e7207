package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JitterSchedule is a cron.Schedule firing at a uniformly random interval in
// [Min, Max]. The classifier tick uses it so repeated runs never line up into
// a thundering herd against the request throttle.
type JitterSchedule struct {
	Min time.Duration
	Max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var _ cron.Schedule = (*JitterSchedule)(nil)

func NewJitterSchedule(min, max time.Duration) *JitterSchedule {
	if min <= 0 {
		min = 2 * time.Minute
	}
	if max < min {
		max = min
	}
	return &JitterSchedule{
		Min: min,
		Max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (j *JitterSchedule) Next(t time.Time) time.Time {
	span := j.Max - j.Min
	if span <= 0 {
		return t.Add(j.Min)
	}
	j.mu.Lock()
	extra := time.Duration(j.rng.Int63n(int64(span) + 1))
	j.mu.Unlock()
	return t.Add(j.Min + extra)
}
