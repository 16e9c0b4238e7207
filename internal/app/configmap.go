package app

import (
	"fmt"
	"strings"
	"time"

	"oppbot/internal/classify"
	"oppbot/internal/config"
	"oppbot/internal/delivery"
	"oppbot/internal/scheduler"
	"oppbot/internal/throttle"
)

// Mapping from the file config to per-component configs. Each mapper owns the
// duration parsing for its section so a bad hot-reload is rejected per section.

func throttleConfig(cfg *config.Config) (throttle.Config, error) {
	refill, err := config.ParseDurationOrDefault("throttle.refill_interval", cfg.Throttle.RefillInterval, 3*time.Second)
	if err != nil {
		return throttle.Config{}, err
	}
	return throttle.Config{
		Budget:         cfg.Throttle.Budget,
		RefillQuantum:  cfg.Throttle.RefillQuantum,
		RefillInterval: refill,
		MaxInFlight:    cfg.Throttle.MaxInFlight,
	}, nil
}

func classifyConfig(cfg *config.Config) (classify.Config, error) {
	timeout, err := config.ParseDurationOrDefault("llm.request_timeout", cfg.LLM.RequestTimeout, 60*time.Second)
	if err != nil {
		return classify.Config{}, err
	}
	return classify.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: timeout,
	}, nil
}

func deliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	tick, err := config.ParseDurationOrDefault("delivery.tick", d.Tick, time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	debounce, err := config.ParseDurationOrDefault("delivery.debounce", d.Debounce, 2*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	lease, err := config.ParseDurationOrDefault("delivery.lock_lease", d.LockLease, 5*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("delivery.retry_delay", d.RetryDelay, 15*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	gap, err := config.ParseDurationOrDefault("delivery.min_send_gap", d.MinSendGap, time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return delivery.Config{}, fmt.Errorf("delivery.timezone: %w", err)
		}
	}

	oneADay := make(map[string]bool)
	for name, src := range cfg.Sources {
		if src.OnePerRepoPerDay {
			oneADay[name] = true
		}
	}

	quietStart, quietEnd := d.QuietStart, d.QuietEnd
	if quietStart == 0 && quietEnd == 0 {
		quietStart, quietEnd = 1, 9
	}

	return delivery.Config{
		Tick:        tick,
		Debounce:    debounce,
		LockLease:   lease,
		RetryDelay:  retry,
		MaxAttempts: d.MaxAttempts,

		MinSendGap: gap,
		QuietStart: quietStart,
		QuietEnd:   quietEnd,
		Location:   loc,

		DeliverScore:   d.DeliverScore,
		HighValueScore: cfg.Classifier.HighValueScore,

		OnePerRepoPerDay: oneADay,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	c := cfg.Classifier
	tickMin, err := config.ParseDurationOrDefault("classifier.tick_min", c.TickMin, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	tickMax, err := config.ParseDurationOrDefault("classifier.tick_max", c.TickMax, 3*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}

	sources := make(map[string]scheduler.SourcePolicy, len(cfg.Sources))
	for name, src := range cfg.Sources {
		sources[name] = scheduler.SourcePolicy{
			Replies:    src.Replies,
			ReplyScore: src.ReplyScore,
			Document:   src.Document,
		}
	}

	return scheduler.Config{
		TickMin:         tickMin,
		TickMax:         tickMax,
		MinBatch:        c.MinBatch,
		MaxBatch:        c.MaxBatch,
		MaxRunsPerDrain: c.MaxRunsPerDrain,
		AcceptScore:     c.AcceptScore,
		HighValueScore:  c.HighValueScore,
		DocDir:          c.DocDir,
		Sources:         sources,
	}, nil
}
