package scheduler

// The drain plan is a small explicit state machine rather than ambient
// variables: Idle until a backlog appears, then Draining(n/m) until the
// planned run count is exhausted, then recomputed from the backlog that is
// left. Restart resets to Idle, which is safe because draining never mutates
// the buffer.
type planState int

const (
	planIdle planState = iota
	planDraining
)

func (s planState) String() string {
	if s == planDraining {
		return "draining"
	}
	return "idle"
}

type drainPlan struct {
	state     planState
	batchSize int
	runsTotal int
	runsDone  int
}

// planFor maps a backlog onto a batch size and run count: a large backlog is
// spread over at most maxRuns ticks, a small one is not fragmented below
// minBatch. Monotonic and bounded; the exact constants are config.
func planFor(backlog, minBatch, maxBatch, maxRuns int) drainPlan {
	if backlog <= 0 {
		return drainPlan{}
	}
	size := ceilDiv(backlog, maxRuns)
	if size < minBatch {
		size = minBatch
	}
	if size > maxBatch {
		size = maxBatch
	}
	return drainPlan{
		state:     planDraining,
		batchSize: size,
		runsTotal: ceilDiv(backlog, size),
	}
}

func (p *drainPlan) exhausted() bool {
	return p.state != planDraining || p.runsDone >= p.runsTotal
}

func (p *drainPlan) completeRun() {
	p.runsDone++
	if p.runsDone >= p.runsTotal {
		*p = drainPlan{}
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
