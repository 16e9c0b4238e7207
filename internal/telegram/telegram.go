// Package telegram is the outbound delivery channel and the small inbound
// command surface (/status, /report, /feedback).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "oppbot/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
	// SendGap is the minimum spacing between outbound API calls. Telegram
	// allows roughly one message per second per chat.
	SendGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SendGap <= 0 {
		c.SendGap = time.Second
	}
	return c
}

// Handlers are the inbound command callbacks. Nil funcs disable the command.
type Handlers struct {
	Status   func(ctx context.Context) string
	Report   func(ctx context.Context) string
	Feedback func(ctx context.Context, postID, verdict string) error
}

// Adapter wraps one telebot instance. Outbound sends are paced by a local
// limiter; inbound updates outside the configured chat are ignored.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	lim *rate.Limiter

	h Handlers

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, h Handlers, log logx.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg: cfg,
		log: log,
		bot: b,
		lim: rate.NewLimiter(rate.Every(cfg.SendGap), 1),
		h:   h,
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/status", func(c tele.Context) error {
		if !a.fromOperator(c) || a.h.Status == nil {
			return nil
		}
		return a.reply(c, a.h.Status(context.Background()))
	})
	a.bot.Handle("/report", func(c tele.Context) error {
		if !a.fromOperator(c) || a.h.Report == nil {
			return nil
		}
		return a.reply(c, a.h.Report(context.Background()))
	})
	// /feedback <post_id> good|bad
	a.bot.Handle("/feedback", func(c tele.Context) error {
		if !a.fromOperator(c) || a.h.Feedback == nil {
			return nil
		}
		args := strings.Fields(c.Message().Payload)
		if len(args) != 2 {
			return a.reply(c, "usage: /feedback <post_id> good|bad")
		}
		if err := a.h.Feedback(context.Background(), args[0], args[1]); err != nil {
			return a.reply(c, "feedback failed: "+err.Error())
		}
		return a.reply(c, "noted")
	})
}

func (a *Adapter) fromOperator(c tele.Context) bool {
	m := c.Message()
	return m != nil && m.Chat != nil && m.Chat.ID == a.cfg.ChatID
}

func (a *Adapter) reply(c tele.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := c.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Start begins long-polling for inbound commands. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-a.stopCh:
		}
		a.bot.Stop()
	}()
	return nil
}

// Stop halts polling. Never blocks shutdown for longer than the ctx allows;
// a long-poll still in flight is abandoned.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	close(a.stopCh)
	done := a.done
	a.runMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		return nil
	}
}

const (
	textLimit    = 4000
	captionLimit = 1000
)

// Send delivers one message to the operator chat, with an optional file
// attachment. Blocks on the local send limiter first.
func (a *Adapter) Send(ctx context.Context, text, attachmentPath string) error {
	chat := &tele.Chat{ID: a.cfg.ChatID}

	if attachmentPath != "" {
		if err := a.lim.Wait(ctx); err != nil {
			return err
		}
		doc := &tele.Document{
			File:     tele.FromDisk(attachmentPath),
			FileName: filepath.Base(attachmentPath),
		}
		if len([]rune(text)) <= captionLimit {
			doc.Caption = text
			if _, err := a.bot.Send(chat, doc); err != nil {
				return fmt.Errorf("telegram send document: %w", err)
			}
			return nil
		}
		// Caption too long: message first, then the bare document.
		if err := a.sendChunks(ctx, chat, text); err != nil {
			return err
		}
		if err := a.lim.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, doc); err != nil {
			return fmt.Errorf("telegram send document: %w", err)
		}
		return nil
	}

	return a.sendChunks(ctx, chat, text)
}

func (a *Adapter) sendChunks(ctx context.Context, chat *tele.Chat, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := a.lim.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitText splits a long message into chunks under limit runes, preferring
// newline boundaries so formatted blocks stay intact.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid tiny fragments.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
