// Package policy is the pure send-pacing rule set consulted by the delivery
// worker before every attempt. It holds no state of its own; callers pass in
// the relevant slice of delivery state.
package policy

import (
	"fmt"
	"time"
)

// Denial reasons.
const (
	ReasonQuietHours = "quiet hours"
	ReasonMinGap     = "min send gap"
)

type Config struct {
	// Quiet window in local hours [QuietStart, QuietEnd). Equal values
	// disable the window.
	QuietStart int
	QuietEnd   int
	Location   *time.Location

	// MinSendGap is the minimum interval since the last successful send of
	// any source.
	MinSendGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MinSendGap <= 0 {
		c.MinSendGap = time.Minute
	}
	return c
}

// Decision is the outcome of a CanSend check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// CanSend decides whether a send is allowed right now. lastSend is the most
// recent successful delivery of any source (zero if none).
func CanSend(cfg Config, lastSend, now time.Time) Decision {
	cfg = cfg.withDefaults()

	local := now.In(cfg.Location)
	if inQuietHours(cfg.QuietStart, cfg.QuietEnd, local.Hour()) {
		return deny(ReasonQuietHours)
	}

	if !lastSend.IsZero() {
		if gap := now.Sub(lastSend); gap < cfg.MinSendGap {
			return deny(fmt.Sprintf("%s (%s of %s elapsed)", ReasonMinGap, gap.Round(time.Second), cfg.MinSendGap))
		}
	}
	return allow()
}

// inQuietHours handles both same-day windows (1..9) and windows wrapping
// midnight (22..6).
func inQuietHours(start, end, hour int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
