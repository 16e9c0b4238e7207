package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	LLM      LLMConfig      `json:"llm"`
	Throttle ThrottleConfig `json:"throttle"`

	Classifier ClassifierConfig        `json:"classifier"`
	Delivery   DeliveryConfig          `json:"delivery"`
	Sources    map[string]SourceConfig `json:"sources"`

	Report    ReportConfig    `json:"report,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the single downstream recipient. Everything the worker sends
	// goes to this chat.
	ChatID int64 `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound API calls (Telegram flood control).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite store holding the buffer, queue,
// delivery-state and opportunity tables.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// LLMConfig configures the external classification/generation service.
type LLMConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// RequestTimeout is a Go duration string per round trip.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// ThrottleConfig controls the shared request throttle in front of the LLM.
//
// Budget tokens refill at RefillQuantum per RefillInterval; MaxInFlight is an
// independent concurrency cap.
type ThrottleConfig struct {
	Budget         int    `json:"budget,omitempty"`
	RefillQuantum  int    `json:"refill_quantum,omitempty"`
	RefillInterval string `json:"refill_interval,omitempty"` // Go duration string
	MaxInFlight    int    `json:"max_in_flight,omitempty"`
}

// ClassifierConfig controls the batch scheduler draining the ingestion buffer.
//
// All durations are Go duration strings.
type ClassifierConfig struct {
	// Tick is jittered uniformly in [TickMin, TickMax] to avoid
	// thundering-herd against the throttle.
	TickMin string `json:"tick_min,omitempty"` // default "2m"
	TickMax string `json:"tick_max,omitempty"` // default "3m"

	MinBatch        int `json:"min_batch,omitempty"`          // default 3
	MaxBatch        int `json:"max_batch,omitempty"`          // default 10
	MaxRunsPerDrain int `json:"max_runs_per_drain,omitempty"` // default 4

	AcceptScore    int `json:"accept_score,omitempty"`     // default 60
	HighValueScore int `json:"high_value_score,omitempty"` // default 85

	// DocDir is where generated per-item documents are written.
	DocDir string `json:"doc_dir,omitempty"` // default "./docs"
}

// SourceConfig is per-source generation and pacing policy.
type SourceConfig struct {
	// Replies: "never", "always", or "threshold" (generate a reply draft only
	// at or above ReplyScore).
	Replies    string `json:"replies,omitempty"`
	ReplyScore int    `json:"reply_score,omitempty"`

	// Document: "never", "accept" (always at acceptance), or "highvalue"
	// (only after a confirming high-value check).
	Document string `json:"document,omitempty"`

	// OnePerRepoPerDay limits delivery to one item per sub-context per
	// calendar day (used for github).
	OnePerRepoPerDay bool `json:"one_per_repo_per_day,omitempty"`
}

// DeliveryConfig controls the queue worker pacing.
//
// All durations are Go duration strings.
type DeliveryConfig struct {
	Tick        string `json:"tick,omitempty"`         // default "60s"
	Debounce    string `json:"debounce,omitempty"`     // default "2m"
	LockLease   string `json:"lock_lease,omitempty"`   // default "5m"
	RetryDelay  string `json:"retry_delay,omitempty"`  // default "15m"
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3

	MinSendGap string `json:"min_send_gap,omitempty"` // default "60s"

	// Quiet hours window in local hours [QuietStart, QuietEnd).
	QuietStart int    `json:"quiet_start,omitempty"` // default 1
	QuietEnd   int    `json:"quiet_end,omitempty"`   // default 9
	Timezone   string `json:"timezone,omitempty"`    // IANA TZ; default local

	// DeliverScore is the minimum score an item needs to be enqueued.
	DeliverScore int `json:"deliver_score,omitempty"` // default 60
}

type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// DailyAt is "HH:MM" in the delivery timezone.
	DailyAt string `json:"daily_at,omitempty"` // default "21:00"
}

type RetentionConfig struct {
	// MaxAge prunes classified buffer rows and terminal opportunities older
	// than this. Go duration string; "0s" disables the sweep.
	MaxAge string `json:"max_age,omitempty"` // default "1440h" (60 days)
}

// Validate catches config mistakes that would otherwise surface as runtime
// misbehavior (e.g. an inverted jitter window).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}

	tickMin, err := ParseDurationOrDefault("classifier.tick_min", c.Classifier.TickMin, 2*time.Minute)
	if err != nil {
		return err
	}
	tickMax, err := ParseDurationOrDefault("classifier.tick_max", c.Classifier.TickMax, 3*time.Minute)
	if err != nil {
		return err
	}
	if tickMax < tickMin {
		return fmt.Errorf("classifier.tick_max must be >= classifier.tick_min")
	}

	if c.Delivery.QuietStart < 0 || c.Delivery.QuietStart > 23 {
		return fmt.Errorf("delivery.quiet_start must be in [0,23]")
	}
	if c.Delivery.QuietEnd < 0 || c.Delivery.QuietEnd > 24 {
		return fmt.Errorf("delivery.quiet_end must be in [0,24]")
	}

	for name, src := range c.Sources {
		switch src.Replies {
		case "", "never", "always", "threshold":
		default:
			return fmt.Errorf("sources.%s.replies: unknown policy %q", name, src.Replies)
		}
		switch src.Document {
		case "", "never", "accept", "highvalue":
		default:
			return fmt.Errorf("sources.%s.document: unknown policy %q", name, src.Document)
		}
	}
	return nil
}

// strictDecode rejects unknown fields and trailing tokens so typos in the
// config file are caught at load time, not silently ignored.
func strictDecode(jb []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return nil, fmt.Errorf("invalid config: trailing data")
	}
	return &cfg, nil
}
