package config

import "fmt"

// Config is the root configuration.
//
// Files may be YAML or JSON; YAML is coerced to JSON and decoded strictly so
// unknown keys are caught before serving traffic. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Bot       BotConfig        `json:"bot"`
	Server    ServerConfig     `json:"server"`
	Logging   LoggingConfig    `json:"logging"`
	Delivery  DeliveryConfig   `json:"delivery"`
	Endpoints []EndpointConfig `json:"endpoints"`

	// Templates maps formatter names to text/template sources. They are
	// registered after the built-ins, so a template may shadow a built-in.
	Templates map[string]string `json:"templates,omitempty"`
	// TemplatesDir is scanned for *.tmpl files at startup.
	TemplatesDir string `json:"templates_dir,omitempty"`

	Storage    *StorageConfig    `json:"storage,omitempty"`
	Heartbeats []HeartbeatConfig `json:"heartbeats,omitempty"`
	Commands   []CommandConfig   `json:"commands,omitempty"`
	Callbacks  []CallbackConfig  `json:"callbacks,omitempty"`
	Pprof      PprofConfig       `json:"pprof"`
}

// BotConfig identifies the Telegram bot.
//
// Token supports "${ENV_VAR}" indirection so secrets stay out of config
// files. TestMode disables all network I/O towards Telegram.
type BotConfig struct {
	Token    string `json:"token"`
	TestMode bool   `json:"test_mode,omitempty"`
	// APIURL overrides the Bot API base URL (tests, local emulators).
	APIURL string `json:"api_url,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host,omitempty"` // default "0.0.0.0"
	Port int    `json:"port,omitempty"` // default 8000
	// APIKey, when set, must match the X-API-Key header of every
	// notification request. Supports "${ENV_VAR}" indirection.
	APIKey string `json:"api_key,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"` // default true
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DeliveryConfig tunes the delivery client's retry and rate policies.
type DeliveryConfig struct {
	RetryMax           int    `json:"retry_max,omitempty"`            // attempt budget, default 3
	RetryBase          string `json:"retry_base,omitempty"`           // default "1s"
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`      // default "30s"
	RetryAfterFallback string `json:"retry_after_fallback,omitempty"` // default "1s"
	RatePerSec         int    `json:"rate_per_sec,omitempty"`         // default 25
	Timeout            string `json:"timeout,omitempty"`              // per-attempt, default "10s"
}

// EndpointConfig declares one notification endpoint.
type EndpointConfig struct {
	Path      string   `json:"path"`
	ChatID    string   `json:"chat_id,omitempty"`
	ChatIDs   []string `json:"chat_ids,omitempty"`
	Formatter string   `json:"formatter,omitempty"` // default "plain"
	ParseMode string   `json:"parse_mode,omitempty"`

	// FormatterConfig is passed through to the formatter unmodified.
	FormatterConfig map[string]any `json:"formatter_config,omitempty"`
	// Labels rename payload keys in rendered output.
	Labels map[string]string `json:"labels,omitempty"`
	// FieldMap remaps conventional fields (chat_id, image_url, ...) to
	// payload locations using dot notation, e.g. "meta.chat".
	FieldMap map[string]string `json:"field_map,omitempty"`
	// Buttons declares inline keyboard rows; text and url support
	// template placeholders rendered against the payload.
	Buttons [][]ButtonConfig `json:"buttons,omitempty"`
	// AllowOverrides gates per-request chat_id/parse_mode overrides.
	// Defaults to true; set false to pin the configured targets.
	AllowOverrides *bool `json:"allow_overrides,omitempty"`
}

type ButtonConfig struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HeartbeatConfig declares a scheduled notification.
// Schedule accepts cron specs and descriptors like "@every 1h".
type HeartbeatConfig struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// CommandConfig declares a bot command answered by the interactive
// responder. Response is a text/template rendered with the sender context.
type CommandConfig struct {
	Command   string `json:"command"`
	Response  string `json:"response"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// CallbackConfig declares the handling for one inline-button callback
// value. Response is shown to the clicking user as the callback answer;
// URL, when set, receives a JSON forward of the click.
type CallbackConfig struct {
	Data     string `json:"data"`
	Response string `json:"response,omitempty"`
	URL      string `json:"url,omitempty"`
}

type PprofConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Validate checks startup-fatal constraints. Per-endpoint path/formatter
// validation happens in the route table builder, which also needs the
// registry.
func (c *Config) Validate() error {
	if c.Bot.Token == "" && !c.Bot.TestMode {
		return fmt.Errorf("bot.token is required (or enable bot.test_mode)")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.Path == "" {
			return fmt.Errorf("endpoints[%d]: path is required", i)
		}
		if ep.ChatID == "" && len(ep.ChatIDs) == 0 {
			return fmt.Errorf("endpoints[%d] (%s): chat_id or chat_ids is required", i, ep.Path)
		}
	}
	for i, hb := range c.Heartbeats {
		if hb.Schedule == "" || hb.ChatID == "" || hb.Text == "" {
			return fmt.Errorf("heartbeats[%d]: schedule, chat_id and text are required", i)
		}
	}
	for i, cmd := range c.Commands {
		if cmd.Command == "" || cmd.Response == "" {
			return fmt.Errorf("commands[%d]: command and response are required", i)
		}
	}
	for i, cb := range c.Callbacks {
		if cb.Data == "" {
			return fmt.Errorf("callbacks[%d]: data is required", i)
		}
	}
	return nil
}

// ConsoleEnabled reports the logging console default (on unless disabled).
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// Overridable reports whether an endpoint accepts per-request overrides.
func (e EndpointConfig) Overridable() bool {
	return e.AllowOverrides == nil || *e.AllowOverrides
}

// Targets returns the configured chat targets, single form first.
func (e EndpointConfig) Targets() []string {
	if len(e.ChatIDs) > 0 {
		return e.ChatIDs
	}
	if e.ChatID != "" {
		return []string{e.ChatID}
	}
	return nil
}
