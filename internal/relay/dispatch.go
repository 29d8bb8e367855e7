package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/format"
	"tgrelay/internal/telegram"
	"tgrelay/pkg/logx"
)

// APIKeyHeader authenticates notification requests when a server API key is
// configured.
const APIKeyHeader = "X-API-Key"

const maxBodyBytes = 1 << 20

// Deliverer sends one rendered message. Satisfied by *telegram.Client; tests
// substitute a stub.
type Deliverer interface {
	Deliver(ctx context.Context, req telegram.Request) telegram.Outcome
}

// dispatcher handles requests for a single binding. It keeps no per-request
// state: concurrent invocations (including of the same binding) share only
// the read-only binding, registry and client.
type dispatcher struct {
	binding Binding
	reg     *format.Registry
	client  Deliverer
	apiKey  string
	bus     eventbus.Bus
	log     logx.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type sentResult struct {
	ChatID    string `json:"chat_id"`
	MessageID *int64 `json:"message_id"`
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Authentication first; the body is not even read on a mismatch.
	if d.apiKey != "" && r.Header.Get(APIKeyHeader) != d.apiKey {
		d.reject("invalid_api_key")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_api_key", Message: "invalid or missing API key"})
		return
	}

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		d.reject("invalid_json")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "request body must be a JSON object"})
		return
	}

	targets := d.resolveTargets(payload)
	if len(targets) == 0 {
		d.reject("no_chat_id")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no_chat_id", Message: "no chat_id specified in config or request"})
		return
	}

	f, ok := d.reg.Resolve(d.binding.Formatter)
	if !ok {
		// Server-side configuration error, not a caller mistake.
		d.log.Error("configured formatter missing from registry", logx.String("formatter", d.binding.Formatter))
		d.reject("formatter_not_found")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "formatter_not_found", Message: "formatter '" + d.binding.Formatter + "' not found"})
		return
	}

	parseMode := d.resolveParseMode(payload)

	text, err := f.Format(payload, d.binding.FormatterConfig)
	if err != nil {
		// A FormatError means the payload is malformed relative to this
		// formatter; the message was never sent and the caller must know.
		d.reject("format_failed")
		status := http.StatusBadRequest
		if !format.IsFormatError(err) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorBody{Error: "format_failed", Message: err.Error()})
		return
	}

	// Content formatters produce plain text; escape it for the parse mode
	// so payload characters can't make the provider reject the message.
	// Markup-producing formatters escape their own content.
	if !format.MarkupSafe(f) {
		text = format.Sanitize(text, parseMode)
	}

	req := telegram.Request{
		Text:        text,
		ParseMode:   parseMode,
		ReplyMarkup: d.binding.inlineKeyboard(payload),
	}
	if url := d.stringField(payload, "image_url"); url != "" {
		req.PhotoURL = url
	}
	if urls := d.stringListField(payload, "image_urls"); len(urls) > 0 {
		req.PhotoURLs = urls
	}

	results := make([]sentResult, 0, len(targets))
	for _, chatID := range targets {
		req.ChatID = chatID
		out := d.client.Deliver(r.Context(), req)
		if out.Status != telegram.StatusSent {
			d.log.Warn("delivery failed",
				logx.String("path", d.binding.Path),
				logx.String("chat_id", chatID),
				logx.String("reason", out.Reason))
			d.publish(eventbus.TypeDeliveryFailed, eventbus.DeliveryEvent{
				Path: d.binding.Path, ChatID: chatID, Reason: out.Reason, At: time.Now(),
			})
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "send_failed", Message: out.Reason})
			return
		}
		d.log.Info("notification sent",
			logx.String("path", d.binding.Path),
			logx.String("chat_id", chatID),
			logx.Int64("message_id", out.MessageID))
		d.publish(eventbus.TypeDeliverySent, eventbus.DeliveryEvent{
			Path: d.binding.Path, ChatID: chatID, MessageID: out.MessageID, At: time.Now(),
		})
		results = append(results, sentResult{ChatID: chatID, MessageID: optionalID(out.MessageID)})
	}

	resp := map[string]any{
		"status":     "sent",
		"chat_id":    results[0].ChatID,
		"message_id": results[0].MessageID,
	}
	if len(results) > 1 {
		resp["results"] = results
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveTargets applies the precedence: request chat_ids, then request
// chat_id, then the binding's configured targets. Request overrides are
// honored only when the binding allows them.
func (d *dispatcher) resolveTargets(payload map[string]any) []string {
	if d.binding.AllowOverrides {
		if ids := d.stringListField(payload, "chat_ids"); len(ids) > 0 {
			return ids
		}
		if id := d.stringField(payload, "chat_id"); id != "" {
			return []string{id}
		}
	}
	return d.binding.Targets
}

func (d *dispatcher) resolveParseMode(payload map[string]any) string {
	if d.binding.AllowOverrides {
		if pm := d.stringField(payload, "parse_mode"); pm != "" {
			return pm
		}
	}
	return d.binding.ParseMode
}

// getField reads a conventional field, honoring the binding's field map
// (dot notation for nested lookups).
func (d *dispatcher) getField(payload map[string]any, field string) any {
	mapped, ok := d.binding.FieldMap[field]
	if !ok || mapped == "" {
		return payload[field]
	}
	var cur any = payload
	for _, key := range strings.Split(mapped, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func (d *dispatcher) stringField(payload map[string]any, field string) string {
	return asString(d.getField(payload, field))
}

func (d *dispatcher) stringListField(payload map[string]any, field string) []string {
	raw, ok := d.getField(payload, field).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s := asString(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// asString accepts strings and JSON numbers; chat ids in particular arrive
// both quoted and bare.
func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (d *dispatcher) reject(reason string) {
	d.publish(eventbus.TypeDeliveryRejected, eventbus.DeliveryEvent{
		Path: d.binding.Path, Reason: reason, At: time.Now(),
	})
}

func (d *dispatcher) publish(typ string, ev eventbus.DeliveryEvent) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
