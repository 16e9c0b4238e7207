// Package classify talks to the external scoring/generation service.
//
// Every call goes through the shared request throttle; nothing in this
// package (or anywhere else) reaches the service directly.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"oppbot/internal/storage"
	"oppbot/internal/throttle"
	logx "oppbot/pkg/logx"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	Temperature float64
	MaxTokens   int

	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Counters are lifetime call counts by kind, for the operator report.
type Counters struct {
	Classify  uint64
	Reply     uint64
	Document  uint64
	HighValue uint64
}

// Client is the throttled scoring-service client.
type Client struct {
	cfg Config
	log logx.Logger

	api openai.Client
	thr *throttle.Service

	nClassify  atomic.Uint64
	nReply     atomic.Uint64
	nDocument  atomic.Uint64
	nHighValue atomic.Uint64
}

func New(cfg Config, thr *throttle.Service, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The throttle owns retry policy; the SDK must not retry underneath it.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		cfg: cfg,
		log: log,
		api: openai.NewClient(opts...),
		thr: thr,
	}
}

func (c *Client) CallCounters() Counters {
	return Counters{
		Classify:  c.nClassify.Load(),
		Reply:     c.nReply.Load(),
		Document:  c.nDocument.Load(),
		HighValue: c.nHighValue.Load(),
	}
}

// Classify scores one buffered item. A malformed response is not an error:
// it comes back as an invalid zero-score verdict.
func (c *Client) Classify(ctx context.Context, it storage.BufferItem) (Verdict, error) {
	c.nClassify.Add(1)
	text, err := c.complete(ctx, classifySystemPrompt, itemPrompt(it))
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(text), nil
}

// Reply drafts a short response the operator can post on the thread.
func (c *Client) Reply(ctx context.Context, it storage.BufferItem, v Verdict) (string, error) {
	c.nReply.Add(1)
	prompt := fmt.Sprintf("%s\n\nClassified as %s (score %d). Draft the reply now.", itemPrompt(it), v.Category, v.Score)
	return c.complete(ctx, replySystemPrompt, prompt)
}

// Document generates a tailored one-page pitch document (markdown).
func (c *Client) Document(ctx context.Context, it storage.BufferItem, v Verdict) (string, error) {
	c.nDocument.Add(1)
	prompt := fmt.Sprintf("%s\n\nClassified as %s (score %d). Write the document now.", itemPrompt(it), v.Category, v.Score)
	return c.complete(ctx, documentSystemPrompt, prompt)
}

// ConfirmHighValue is the secondary "is this truly high-value" check used
// before expensive document generation.
func (c *Client) ConfirmHighValue(ctx context.Context, it storage.BufferItem, v Verdict) (bool, error) {
	c.nHighValue.Add(1)
	prompt := fmt.Sprintf("%s\n\nInitial score: %d. Answer with the JSON object only.", itemPrompt(it), v.Score)
	text, err := c.complete(ctx, highValueSystemPrompt, prompt)
	if err != nil {
		return false, err
	}
	verdict := ParseVerdict(text)
	return verdict.Valid, nil
}

// complete performs one chat round trip under the throttle, mapping transport
// failures onto the throttle's error taxonomy so it can apply retry policy.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	var out string
	err := c.thr.Submit(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		resp, err := c.api.Chat.Completions.New(reqCtx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(c.cfg.Model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
			Temperature:         openai.Float(c.cfg.Temperature),
			MaxCompletionTokens: openai.Int(int64(c.cfg.MaxTokens)),
		})
		if err != nil {
			return mapAPIError(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return &throttle.ServiceError{Msg: "empty completion"}
		}
		out = resp.Choices[0].Message.Content
		return nil
	})
	return out, err
}

func mapAPIError(parent context.Context, err error) error {
	// Our per-request deadline fired but the caller is still live: timeout.
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return throttle.ErrTimeout
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return &throttle.RateLimitedError{RetryAfter: retryAfterHint(apierr)}
		}
		return &throttle.ServiceError{Status: apierr.StatusCode, Msg: apierr.Message}
	}
	// Network-level failure with no HTTP status; treat like a timeout so it
	// gets the single transparent retry.
	return throttle.ErrTimeout
}

func retryAfterHint(apierr *openai.Error) time.Duration {
	if apierr == nil || apierr.Response == nil {
		return 0
	}
	raw := strings.TrimSpace(apierr.Response.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func itemPrompt(it storage.BufferItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", it.Source)
	if it.SubContext != "" {
		fmt.Fprintf(&b, "Context: %s\n", it.SubContext)
	}
	fmt.Fprintf(&b, "Author: %s\nTitle: %s\n\n%s", it.Author, it.Title, it.Body)
	return b.String()
}

const classifySystemPrompt = `You screen posts for freelance/job opportunities relevant to a senior Go developer.
Respond with a single JSON object:
{"valid": bool, "category": "job|freelance|collab|showcase|other", "opportunityScore": 0-100, "reasoning": "one sentence"}`

const replySystemPrompt = `You draft short, direct replies to opportunity posts on behalf of a senior Go developer.
Two or three sentences, no fluff, no emoji.`

const documentSystemPrompt = `You write a one-page markdown pitch document tailored to an opportunity post,
on behalf of a senior Go developer. Lead with relevant experience, close with availability.`

const highValueSystemPrompt = `You double-check whether an opportunity is truly high-value (well-funded, well-matched, urgent).
Respond with a single JSON object: {"valid": bool, "reasoning": "one sentence"}`
