package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "${TEST_BOT_TOKEN}"
  chat_id: 42
  rate_per_sec: 1
logging:
  level: debug
  console: true
storage:
  path: ./data/oppbot.db
llm:
  api_key: sk-test
  model: gpt-4o-mini
throttle:
  budget: 30
  max_in_flight: 2
classifier:
  tick_min: 2m
  tick_max: 3m
delivery:
  quiet_start: 1
  quiet_end: 9
  timezone: UTC
sources:
  github:
    replies: threshold
    reply_score: 70
    document: highvalue
    one_per_repo_per_day: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "123:abc")
	m := NewManager(writeConfig(t, validYAML))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q, want expanded env value", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != 42 {
		t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if got := cfg.Sources["github"]; got.Replies != "threshold" || got.ReplyScore != 70 || !got.OnePerRepoPerDay {
		t.Fatalf("github source = %+v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit the config")
	}
}

func TestParseKeepsUnknownEnvPlaceholder(t *testing.T) {
	m := NewManager(writeConfig(t, strings.Replace(validYAML,
		"${TEST_BOT_TOKEN}", "${DEFINITELY_NOT_SET_9f1}", 1)))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "${DEFINITELY_NOT_SET_9f1}" {
		t.Fatalf("token = %q, want placeholder preserved", cfg.Telegram.Token)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "123:abc")
	m := NewManager(writeConfig(t, validYAML+"\nteleggram:\n  token: oops\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section must be rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Telegram: TelegramConfig{Token: "t", ChatID: 1},
			Storage:  StorageConfig{Path: "x.db"},
			LLM:      LLMConfig{APIKey: "k", Model: "m"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"missing chat", func(c *Config) { c.Telegram.ChatID = 0 }, "telegram.chat_id"},
		{"missing storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"inverted tick window", func(c *Config) {
			c.Classifier.TickMin = "5m"
			c.Classifier.TickMax = "2m"
		}, "tick_max"},
		{"bad tick duration", func(c *Config) { c.Classifier.TickMin = "soon" }, "classifier.tick_min"},
		{"quiet start out of range", func(c *Config) { c.Delivery.QuietStart = 24 }, "quiet_start"},
		{"quiet end out of range", func(c *Config) { c.Delivery.QuietEnd = 25 }, "quiet_end"},
		{"bad reply policy", func(c *Config) {
			c.Sources = map[string]SourceConfig{"x": {Replies: "sometimes"}}
		}, "sources.x.replies"},
		{"bad document policy", func(c *Config) {
			c.Sources = map[string]SourceConfig{"x": {Document: "pdf"}}
		}, "sources.x.document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, time.Minute, false},
		{"  ", time.Minute, time.Minute, false},
		{"90s", time.Minute, 90 * time.Second, false},
		{"2m30s", 0, 150 * time.Second, false},
		{"five minutes", time.Minute, 0, true},
		{"-1m", time.Minute, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("field", tt.raw, tt.def)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: want error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestReloadKeepsRunningConfigOnBadEdit(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "123:abc")
	path := writeConfig(t, validYAML)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Invalid edit: missing required fields.
	if err := os.WriteFile(path, []byte("telegram:\n  chat_id: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()
	if m.Get() != old {
		t.Fatal("broken edit replaced the running config")
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "123:abc")
	path := writeConfig(t, validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content must not republish.
	m.reload()
	select {
	case <-ch:
		t.Fatal("unchanged reload was published")
	default:
	}

	changed := strings.Replace(validYAML, "chat_id: 42", "chat_id: 43", 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()
	select {
	case cfg := <-ch:
		if cfg.Telegram.ChatID != 43 {
			t.Fatalf("published chat_id = %d, want 43", cfg.Telegram.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("change was not published")
	}
	if m.Get().Telegram.ChatID != 43 {
		t.Fatal("change was not committed")
	}
}
