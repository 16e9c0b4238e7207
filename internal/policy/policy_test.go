package policy

import (
	"strings"
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 10, hour, min, 0, 0, time.UTC)
}

func TestCanSendQuietHours(t *testing.T) {
	cfg := Config{QuietStart: 1, QuietEnd: 9, Location: time.UTC, MinSendGap: time.Minute}

	tests := []struct {
		name  string
		now   time.Time
		allow bool
	}{
		{"just inside start", at(1, 0), false},
		{"middle of window", at(4, 30), false},
		{"just before end", at(8, 59), false},
		{"at end", at(9, 0), true},
		{"evening", at(22, 0), true},
		{"midnight", at(0, 30), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := CanSend(cfg, time.Time{}, tt.now)
			if dec.Allowed != tt.allow {
				t.Fatalf("CanSend at %s: allowed=%v, want %v (reason %q)",
					tt.now.Format("15:04"), dec.Allowed, tt.allow, dec.Reason)
			}
			if !tt.allow && dec.Reason != ReasonQuietHours {
				t.Fatalf("reason = %q, want %q", dec.Reason, ReasonQuietHours)
			}
		})
	}
}

func TestCanSendQuietHoursWrapMidnight(t *testing.T) {
	cfg := Config{QuietStart: 22, QuietEnd: 6, Location: time.UTC, MinSendGap: time.Minute}

	tests := []struct {
		now   time.Time
		allow bool
	}{
		{at(23, 0), false},
		{at(2, 0), false},
		{at(5, 59), false},
		{at(6, 0), true},
		{at(12, 0), true},
		{at(21, 59), true},
	}
	for _, tt := range tests {
		if dec := CanSend(cfg, time.Time{}, tt.now); dec.Allowed != tt.allow {
			t.Errorf("CanSend at %s: allowed=%v, want %v", tt.now.Format("15:04"), dec.Allowed, tt.allow)
		}
	}
}

func TestCanSendQuietWindowDisabled(t *testing.T) {
	cfg := Config{QuietStart: 3, QuietEnd: 3, Location: time.UTC, MinSendGap: time.Minute}
	if dec := CanSend(cfg, time.Time{}, at(3, 30)); !dec.Allowed {
		t.Fatalf("equal start/end must disable the window, got denied: %q", dec.Reason)
	}
}

func TestCanSendMinGap(t *testing.T) {
	cfg := Config{QuietStart: 1, QuietEnd: 9, Location: time.UTC, MinSendGap: time.Minute}
	now := at(12, 0)

	tests := []struct {
		name     string
		lastSend time.Time
		allow    bool
	}{
		{"no previous send", time.Time{}, true},
		{"ten seconds ago", now.Add(-10 * time.Second), false},
		{"exactly the gap", now.Add(-time.Minute), true},
		{"well past the gap", now.Add(-time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := CanSend(cfg, tt.lastSend, now)
			if dec.Allowed != tt.allow {
				t.Fatalf("allowed=%v, want %v (reason %q)", dec.Allowed, tt.allow, dec.Reason)
			}
			if !tt.allow && !strings.HasPrefix(dec.Reason, ReasonMinGap) {
				t.Fatalf("reason = %q, want prefix %q", dec.Reason, ReasonMinGap)
			}
		})
	}
}
