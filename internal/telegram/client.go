// Package telegram delivers rendered messages to the Telegram Bot API with
// bounded retry, exponential backoff and rate-limit-aware resends.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tgrelay/pkg/logx"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is a synchronous delivery client for one bot token.
// It is safe for concurrent use; backoff and rate-limit waits suspend only
// the calling goroutine.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.RetryAfterFallback <= 0 {
		cfg.RetryAfterFallback = time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		// Burst = rate per sec so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Deliver sends one message and retries transient failures up to the attempt
// budget. A 429 wait honors the provider-supplied duration and does NOT
// consume an attempt: the provider's hint is authoritative, whereas generic
// failures back off defensively at base*2^attempt.
func (c *Client) Deliver(ctx context.Context, req Request) Outcome {
	if req.ChatID == "" {
		return failed("empty chat id")
	}

	if c.cfg.TestMode {
		c.log.Info("test mode: delivery skipped",
			logx.String("chat_id", req.ChatID),
			logx.String("method", methodFor(req)),
			logx.String("text", req.Text))
		return sent(0)
	}

	budget := req.Retries
	if budget <= 0 {
		budget = c.cfg.Retries
	}

	var last Outcome
	for attempt := 0; attempt < budget; {
		if err := c.limiter.Wait(ctx); err != nil {
			return failed("cancelled: " + err.Error())
		}

		out := c.attempt(ctx, req)
		switch out.Status {
		case StatusSent:
			return out
		case StatusRateLimited:
			// Provider told us exactly how long to wait; honoring it is not
			// an error, so the attempt counter stays put.
			c.log.Warn("rate limited by provider",
				logx.String("chat_id", req.ChatID),
				logx.Duration("retry_after", out.RetryAfter))
			if !sleepCtx(ctx, out.RetryAfter) {
				return failed("cancelled during rate-limit wait")
			}
		default:
			last = out
			c.log.Warn("delivery attempt failed",
				logx.String("chat_id", req.ChatID),
				logx.Int("attempt", attempt+1),
				logx.Int("budget", budget),
				logx.String("reason", out.Reason))
			attempt++
			if attempt >= budget {
				return failed(out.Reason)
			}
			if !sleepCtx(ctx, c.backoff(attempt-1)) {
				return failed("cancelled during backoff")
			}
		}
	}
	if last.Status == StatusFailed {
		return last
	}
	return failed("retry budget exhausted")
}

// backoff returns base*2^attempt capped at RetryMaxDelay. attempt starts at 0.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.RetryMaxDelay {
			return c.cfg.RetryMaxDelay
		}
	}
	if d > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return d
}

// apiResponse is the Bot API envelope common to all methods.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// attempt performs exactly one HTTP exchange and classifies the response.
func (c *Client) attempt(ctx context.Context, req Request) Outcome {
	method := methodFor(req)
	body, err := json.Marshal(payloadFor(method, req))
	if err != nil {
		return failed("encode request: " + err.Error())
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/bot" + c.cfg.Token + "/" + method
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed("build request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Connection refused/reset/timeout: retryable.
		return failed("transport: " + err.Error())
	}
	defer resp.Body.Close()

	var out apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode == http.StatusOK && out.OK {
		return sent(firstMessageID(out.Result))
	}

	if resp.StatusCode == http.StatusTooManyRequests || out.ErrorCode == http.StatusTooManyRequests {
		return limited(c.retryAfter(resp, out))
	}

	if out.Description != "" {
		return failed(fmt.Sprintf("telegram %s failed: %s (code=%d http=%d)", method, out.Description, out.ErrorCode, resp.StatusCode))
	}
	return failed(fmt.Sprintf("telegram %s failed: http=%d", method, resp.StatusCode))
}

// retryAfter extracts the provider wait hint: Retry-After header first, then
// the response body's parameters.retry_after, then a fixed fallback.
func (c *Client) retryAfter(resp *http.Response, out apiResponse) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
		return time.Duration(out.Parameters.RetryAfter) * time.Second
	}
	return c.cfg.RetryAfterFallback
}

func methodFor(req Request) string {
	switch {
	case len(req.PhotoURLs) > 1:
		return "sendMediaGroup"
	case req.PhotoURL != "" || len(req.PhotoURLs) == 1:
		return "sendPhoto"
	default:
		return "sendMessage"
	}
}

func payloadFor(method string, req Request) map[string]any {
	p := map[string]any{"chat_id": req.ChatID}
	switch method {
	case "sendMediaGroup":
		media := make([]map[string]any, 0, len(req.PhotoURLs))
		for i, u := range req.PhotoURLs {
			m := map[string]any{"type": "photo", "media": u}
			// Bot API renders the group caption from the first item.
			if i == 0 && req.Text != "" {
				m["caption"] = req.Text
				if req.ParseMode != "" {
					m["parse_mode"] = req.ParseMode
				}
			}
			media = append(media, m)
		}
		p["media"] = media
	case "sendPhoto":
		photo := req.PhotoURL
		if photo == "" {
			photo = req.PhotoURLs[0]
		}
		p["photo"] = photo
		if req.Text != "" {
			p["caption"] = req.Text
		}
		if req.ParseMode != "" {
			p["parse_mode"] = req.ParseMode
		}
		if req.ReplyMarkup != nil {
			p["reply_markup"] = req.ReplyMarkup
		}
	default:
		p["text"] = req.Text
		if req.ParseMode != "" {
			p["parse_mode"] = req.ParseMode
		}
		if req.ReplyMarkup != nil {
			p["reply_markup"] = req.ReplyMarkup
		}
	}
	return p
}

// firstMessageID handles both single-message results and media-group arrays.
func firstMessageID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var single struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.MessageID != 0 {
		return single.MessageID
	}
	var many []struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0].MessageID
	}
	return 0
}

// sleepCtx waits for d, honoring cancellation. Returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
