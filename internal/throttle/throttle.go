// Package throttle protects the external scoring/generation service.
//
// Admission needs both a token (budget of N requests per window, quantum
// refill) and a concurrency slot (max simultaneously in-flight requests).
// Callers block in submission order and are released one by one; a request
// holds its slot for the full round trip and releases it, success or failure,
// before the next queued caller is admitted.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "oppbot/pkg/logx"
)

// ServiceError is a non-retryable failure from the external service.
type ServiceError struct {
	Status int
	Msg    string
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("service error (status %d): %s", e.Status, e.Msg)
	}
	return "service error: " + e.Msg
}

// RateLimitedError signals the service asked us to back off. RetryAfter is
// the server hint; zero means "no hint".
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// ErrTimeout marks a round trip that exceeded the caller's deadline. It gets
// exactly one transparent retry.
var ErrTimeout = errors.New("request timed out")

// IsTransient reports whether an error belongs to the retryable class
// (timeouts and rate limits, per the error taxonomy).
func IsTransient(err error) bool {
	var rl *RateLimitedError
	return errors.Is(err, ErrTimeout) || errors.As(err, &rl)
}

type Config struct {
	// Budget is the bucket capacity (requests per rolling window).
	Budget int
	// RefillQuantum tokens are added every RefillInterval.
	RefillQuantum  int
	RefillInterval time.Duration
	// MaxInFlight caps simultaneously in-flight requests, independent of the
	// token count.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 20
	}
	if c.RefillQuantum <= 0 {
		c.RefillQuantum = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = 3 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	return c
}

// Service is the shared request throttle. Safe for many concurrent callers;
// no caller needs to know about the others.
type Service struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter

	slots chan struct{}

	waiting  atomic.Int64
	inFlight atomic.Int64

	// Lifetime counters for the operator report.
	admitted uint64
	retried  uint64
}

func New(cfg Config, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		cfg: cfg,
		// rate.Limiter reservations are handed out in request order, so
		// admission is FIFO. Quantum refill maps to quantum/interval tokens
		// per second with burst = budget.
		lim:   rate.NewLimiter(rate.Limit(float64(cfg.RefillQuantum)/cfg.RefillInterval.Seconds()), cfg.Budget),
		slots: make(chan struct{}, cfg.MaxInFlight),
	}
}

// Apply adjusts the budget at runtime. The concurrency cap stays fixed at
// construction; the semaphore is never resized mid-flight.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Budget = cfg.Budget
	s.cfg.RefillQuantum = cfg.RefillQuantum
	s.cfg.RefillInterval = cfg.RefillInterval
	s.lim.SetLimit(rate.Limit(float64(cfg.RefillQuantum) / cfg.RefillInterval.Seconds()))
	s.lim.SetBurst(cfg.Budget)
}

func (s *Service) limiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lim
}

// Submit runs one round trip against the external service under the
// throttle. It transparently retries rate-limit responses (honoring the
// retry-after hint) and retries a timeout exactly once. Non-retryable
// failures surface as *ServiceError from fn.
func (s *Service) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	const maxRateLimitRetries = 3
	timeoutRetried := false
	rlRetries := 0

	for {
		if err := s.admit(ctx, fn); err == nil {
			return nil
		} else {
			var rl *RateLimitedError
			switch {
			case errors.As(err, &rl) && rlRetries < maxRateLimitRetries:
				rlRetries++
				atomic.AddUint64(&s.retried, 1)
				wait := rl.RetryAfter
				if wait <= 0 {
					wait = s.refillInterval()
				}
				s.log.Debug("rate limited; retrying",
					logx.Duration("wait", wait), logx.Int("retry", rlRetries))
				if serr := sleepCtx(ctx, wait); serr != nil {
					return serr
				}
			case errors.Is(err, ErrTimeout) && !timeoutRetried:
				timeoutRetried = true
				atomic.AddUint64(&s.retried, 1)
				s.log.Debug("request timed out; retrying once")
			default:
				return err
			}
		}
	}
}

// admit blocks for a token and a slot, then runs fn. The slot is held for the
// whole round trip.
func (s *Service) admit(ctx context.Context, fn func(ctx context.Context) error) error {
	s.waiting.Add(1)
	err := s.limiter().Wait(ctx)
	if err != nil {
		s.waiting.Add(-1)
		return err
	}
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.waiting.Add(-1)
		return ctx.Err()
	}
	s.waiting.Add(-1)
	s.inFlight.Add(1)
	atomic.AddUint64(&s.admitted, 1)
	defer func() {
		s.inFlight.Add(-1)
		<-s.slots
	}()

	return fn(ctx)
}

func (s *Service) refillInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RefillInterval
}

// Snapshot reports throttle pressure for the operator report.
type Snapshot struct {
	Waiting  int
	InFlight int
	Tokens   float64
	Admitted uint64
	Retried  uint64
}

func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Waiting:  int(s.waiting.Load()),
		InFlight: int(s.inFlight.Load()),
		Tokens:   s.limiter().Tokens(),
		Admitted: atomic.LoadUint64(&s.admitted),
		Retried:  atomic.LoadUint64(&s.retried),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
