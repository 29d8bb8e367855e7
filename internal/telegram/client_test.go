package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tgrelay/pkg/logx"
)

func fastConfig(url string) Config {
	return Config{
		Token:              "TEST:TOKEN",
		BaseURL:            url,
		Retries:            3,
		RetryBase:          time.Millisecond,
		RetryMaxDelay:      10 * time.Millisecond,
		RetryAfterFallback: 5 * time.Millisecond,
		RatePerSec:         1000,
		Timeout:            2 * time.Second,
	}
}

func writeOK(w http.ResponseWriter, messageID int64) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":     true,
		"result": map[string]any{"message_id": messageID},
	})
}

func TestDeliverSuccess(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		writeOK(w, 42)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	out := c.Deliver(context.Background(), Request{ChatID: "111", Text: "hi"})
	if out.Status != StatusSent {
		t.Fatalf("status = %v, reason = %q", out.Status, out.Reason)
	}
	if out.MessageID != 42 {
		t.Fatalf("message id = %d, want 42", out.MessageID)
	}
	if p, _ := gotPath.Load().(string); !strings.HasSuffix(p, "/botTEST:TOKEN/sendMessage") {
		t.Fatalf("unexpected path %q", p)
	}
}

func TestDeliverRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 500, "description": "boom"})
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	out := c.Deliver(context.Background(), Request{ChatID: "111", Text: "hi", Retries: 3})
	if out.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", out.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}
	if !strings.Contains(out.Reason, "boom") {
		t.Fatalf("reason should carry last provider error, got %q", out.Reason)
	}
}

func TestDeliverHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 429, "description": "Too Many Requests"})
			return
		}
		writeOK(w, 7)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	start := time.Now()
	// Budget of 1: the 429 wait must not consume the single attempt.
	out := c.Deliver(context.Background(), Request{ChatID: "111", Text: "hi", Retries: 1})
	elapsed := time.Since(start)

	if out.Status != StatusSent {
		t.Fatalf("status = %v, reason = %q", out.Status, out.Reason)
	}
	if elapsed < time.Second {
		t.Fatalf("waited %v, want at least the advertised 1s", elapsed)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestDeliverRetryAfterBodyFallback(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": false, "error_code": 429,
				"parameters": map[string]any{"retry_after": 1},
			})
			return
		}
		writeOK(w, 8)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	start := time.Now()
	out := c.Deliver(context.Background(), Request{ChatID: "111", Text: "hi"})
	if out.Status != StatusSent {
		t.Fatalf("status = %v, reason = %q", out.Status, out.Reason)
	}
	if time.Since(start) < time.Second {
		t.Fatal("body retry_after hint not honored")
	}
}

func TestDeliverTestModeNoNetwork(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeOK(w, 1)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.TestMode = true
	c := New(cfg, logx.Nop())

	out := c.Deliver(context.Background(), Request{ChatID: "111", Text: "hi", PhotoURL: "http://x/y.png"})
	if out.Status != StatusSent {
		t.Fatalf("status = %v", out.Status)
	}
	if calls.Load() != 0 {
		t.Fatal("test mode must not perform network I/O")
	}
}

func TestDeliverMediaMethodSelection(t *testing.T) {
	var lastMethod atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		lastMethod.Store(parts[len(parts)-1])
		writeOK(w, 1)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())

	c.Deliver(context.Background(), Request{ChatID: "1", Text: "caption", PhotoURL: "http://x/a.png"})
	if m, _ := lastMethod.Load().(string); m != "sendPhoto" {
		t.Fatalf("single photo used %q", m)
	}

	c.Deliver(context.Background(), Request{ChatID: "1", Text: "caption", PhotoURLs: []string{"http://x/a.png", "http://x/b.png"}})
	if m, _ := lastMethod.Load().(string); m != "sendMediaGroup" {
		t.Fatalf("photo list used %q", m)
	}
}

func TestDeliverCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.RetryBase = 5 * time.Second
	cfg.RetryMaxDelay = 5 * time.Second
	c := New(cfg, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := c.Deliver(ctx, Request{ChatID: "1", Text: "x", Retries: 5})
	if out.Status != StatusFailed {
		t.Fatalf("status = %v", out.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not abort the backoff wait promptly")
	}
}

func TestFirstMessageIDVariants(t *testing.T) {
	if got := firstMessageID(json.RawMessage(`{"message_id": 5}`)); got != 5 {
		t.Fatalf("single: %d", got)
	}
	if got := firstMessageID(json.RawMessage(`[{"message_id": 9},{"message_id": 10}]`)); got != 9 {
		t.Fatalf("array: %d", got)
	}
	if got := firstMessageID(nil); got != 0 {
		t.Fatalf("empty: %d", got)
	}
}
