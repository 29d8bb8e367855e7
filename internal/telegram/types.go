package telegram

import "time"

// Config controls the delivery client.
//
// All durations default sensibly when zero. TestMode disables network I/O
// entirely: every Deliver logs the would-be send and reports success, which
// keeps tests deterministic and allows running without live credentials.
type Config struct {
	Token    string
	BaseURL  string // default: https://api.telegram.org
	TestMode bool

	// Retries is the default per-delivery attempt budget (a count, not a
	// deadline, so tests get a deterministic upper bound).
	Retries            int
	RetryBase          time.Duration // error backoff unit, default 1s
	RetryMaxDelay      time.Duration // backoff cap, default 30s
	RetryAfterFallback time.Duration // wait on a 429 without a usable hint, default 1s

	RatePerSec int           // outbound rate limit, default 25
	Timeout    time.Duration // per-attempt HTTP timeout, default 10s
}

// Request describes one message delivery. It is ephemeral: built per
// dispatch, consumed once, never persisted.
type Request struct {
	ChatID    string
	Text      string
	PhotoURL  string
	PhotoURLs []string
	ParseMode string
	// ReplyMarkup is an optional Bot API reply_markup object
	// (e.g. an inline keyboard), passed through as-is.
	ReplyMarkup any
	// Retries overrides the client's attempt budget when > 0.
	Retries int
}

// Status tags a delivery outcome.
type Status int

const (
	StatusSent Status = iota
	StatusRateLimited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Outcome is the tagged result of a delivery attempt (or attempt sequence).
// Deliver only ever returns Sent or Failed; RateLimited occurs per-attempt
// and is absorbed by the retry loop.
type Outcome struct {
	Status     Status
	MessageID  int64
	RetryAfter time.Duration // set on StatusRateLimited
	Reason     string        // set on StatusFailed
}

func sent(id int64) Outcome           { return Outcome{Status: StatusSent, MessageID: id} }
func failed(reason string) Outcome    { return Outcome{Status: StatusFailed, Reason: reason} }
func limited(d time.Duration) Outcome { return Outcome{Status: StatusRateLimited, RetryAfter: d} }
