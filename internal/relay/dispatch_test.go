package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tgrelay/internal/config"
	"tgrelay/internal/format"
	"tgrelay/internal/telegram"
	"tgrelay/pkg/logx"
)

// stubDeliverer records requests and returns a canned outcome per call.
type stubDeliverer struct {
	calls    []telegram.Request
	outcomes []telegram.Outcome
}

func (s *stubDeliverer) Deliver(_ context.Context, req telegram.Request) telegram.Outcome {
	s.calls = append(s.calls, req)
	if len(s.outcomes) >= len(s.calls) {
		return s.outcomes[len(s.calls)-1]
	}
	return telegram.Outcome{Status: telegram.StatusSent, MessageID: int64(len(s.calls))}
}

func testRegistry(t *testing.T) *format.Registry {
	t.Helper()
	reg := format.NewRegistry(logx.Nop())
	format.RegisterBuiltins(reg)
	return reg
}

func newDispatcher(t *testing.T, ep config.EndpointConfig, apiKey string, stub *stubDeliverer) *dispatcher {
	t.Helper()
	b, err := newBinding(ep)
	if err != nil {
		t.Fatalf("newBinding: %v", err)
	}
	return &dispatcher{
		binding: b,
		reg:     testRegistry(t),
		client:  stub,
		apiKey:  apiKey,
		log:     logx.Nop(),
	}
}

func post(d *dispatcher, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, d.binding.Path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("response body: %v", err)
	}
	return m
}

func TestDispatchSendsNotification(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	rr := post(d, `{"message": "Hello"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("calls = %d", len(stub.calls))
	}
	if stub.calls[0].ChatID != "111" || stub.calls[0].Text != "Hello" {
		t.Fatalf("request = %+v", stub.calls[0])
	}

	body := decodeBody(t, rr)
	if body["status"] != "sent" || body["chat_id"] != "111" {
		t.Fatalf("body = %v", body)
	}
	if body["message_id"] != float64(1) {
		t.Fatalf("message_id = %v", body["message_id"])
	}
}

func TestDispatchRejectsBadAPIKey(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "secret", stub)

	for name, headers := range map[string]map[string]string{
		"missing": nil,
		"wrong":   {APIKeyHeader: "nope"},
	} {
		rr := post(d, `{"message": "x"}`, headers)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s key: status = %d", name, rr.Code)
		}
		if body := decodeBody(t, rr); body["error"] != "invalid_api_key" {
			t.Errorf("%s key: body = %v", name, body)
		}
	}
	if len(stub.calls) != 0 {
		t.Fatalf("unauthorized requests must not deliver, got %d calls", len(stub.calls))
	}
}

func TestDispatchAcceptsGoodAPIKey(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "secret", stub)

	rr := post(d, `{"message": "x"}`, map[string]string{APIKeyHeader: "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestDispatchInvalidJSON(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	rr := post(d, `{not json`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "invalid_json" {
		t.Fatalf("body = %v", body)
	}
	if len(stub.calls) != 0 {
		t.Fatal("malformed request must not deliver")
	}
}

func TestDispatchChatIDOverride(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	rr := post(d, `{"message": "x", "chat_id": "999"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if stub.calls[0].ChatID != "999" {
		t.Fatalf("chat_id = %q, want request override", stub.calls[0].ChatID)
	}
}

func TestDispatchNumericChatIDOverride(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	post(d, `{"message": "x", "chat_id": -1009876}`, nil)
	if stub.calls[0].ChatID != "-1009876" {
		t.Fatalf("chat_id = %q", stub.calls[0].ChatID)
	}
}

func TestDispatchOverridesDisabled(t *testing.T) {
	no := false
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111", AllowOverrides: &no,
	}, "", stub)

	post(d, `{"message": "x", "chat_id": "999", "parse_mode": "HTML"}`, nil)
	if stub.calls[0].ChatID != "111" {
		t.Fatalf("chat_id = %q, overrides should be pinned", stub.calls[0].ChatID)
	}
	if stub.calls[0].ParseMode != "" {
		t.Fatalf("parse_mode = %q, overrides should be pinned", stub.calls[0].ParseMode)
	}
}

func TestDispatchFansOutToChatIDs(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatIDs: []string{"1", "2", "3"},
	}, "", stub)

	rr := post(d, `{"message": "x"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(stub.calls) != 3 {
		t.Fatalf("calls = %d", len(stub.calls))
	}
	body := decodeBody(t, rr)
	results, ok := body["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v", body["results"])
	}
}

func TestDispatchFanOutStopsOnFailure(t *testing.T) {
	stub := &stubDeliverer{outcomes: []telegram.Outcome{
		{Status: telegram.StatusSent, MessageID: 1},
		{Status: telegram.StatusFailed, Reason: "chat not found"},
	}}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatIDs: []string{"1", "2", "3"},
	}, "", stub)

	rr := post(d, `{"message": "x"}`, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "send_failed" {
		t.Fatalf("body = %v", body)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("calls = %d, fan-out should stop at first failure", len(stub.calls))
	}
}

func TestDispatchFormatError(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	rr := post(d, `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "format_failed" {
		t.Fatalf("body = %v", body)
	}
	if len(stub.calls) != 0 {
		t.Fatal("format failure must not deliver")
	}
}

func TestDispatchFieldMap(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111",
		FieldMap: map[string]string{"chat_id": "meta.chat", "image_url": "attachments.photo"},
	}, "", stub)

	post(d, `{"message": "x", "meta": {"chat": "777"}, "attachments": {"photo": "https://x/p.png"}}`, nil)
	if stub.calls[0].ChatID != "777" {
		t.Fatalf("chat_id = %q, want mapped value", stub.calls[0].ChatID)
	}
	if stub.calls[0].PhotoURL != "https://x/p.png" {
		t.Fatalf("photo = %q", stub.calls[0].PhotoURL)
	}
}

func TestDispatchImageURLs(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)

	post(d, `{"message": "x", "image_urls": ["https://x/a.png", "https://x/b.png"]}`, nil)
	if got := stub.calls[0].PhotoURLs; len(got) != 2 || got[0] != "https://x/a.png" {
		t.Fatalf("photo urls = %v", got)
	}
}

func TestDispatchInlineKeyboard(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111",
		Buttons: [][]config.ButtonConfig{{
			{Text: "Open {{.order_id}}", URL: "https://shop/orders/{{.order_id}}"},
			{Text: "Ack", CallbackData: "ack"},
		}},
	}, "", stub)

	post(d, `{"message": "x", "order_id": "42"}`, nil)
	markup, ok := stub.calls[0].ReplyMarkup.(map[string]any)
	if !ok {
		t.Fatalf("reply markup = %#v", stub.calls[0].ReplyMarkup)
	}
	rows := markup["inline_keyboard"].([][]map[string]any)
	if len(rows) != 1 || len(rows[0]) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][0]["text"] != "Open 42" || rows[0][0]["url"] != "https://shop/orders/42" {
		t.Fatalf("templated cell = %v", rows[0][0])
	}
	if rows[0][1]["callback_data"] != "ack" {
		t.Fatalf("callback cell = %v", rows[0][1])
	}
}

func TestDispatchEscapesTextForParseMode(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111", ParseMode: "MarkdownV2",
	}, "", stub)

	post(d, `{"message": "v1.2 done!"}`, nil)
	if got := stub.calls[0].Text; got != `v1\.2 done\!` {
		t.Fatalf("text = %q, want escaped for MarkdownV2", got)
	}

	// Without a parse mode the text passes through untouched.
	d2 := newDispatcher(t, config.EndpointConfig{Path: "/notify/test", ChatID: "111"}, "", stub)
	post(d2, `{"message": "v1.2 done!"}`, nil)
	if got := stub.calls[1].Text; got != "v1.2 done!" {
		t.Fatalf("text = %q, want unescaped plain text", got)
	}
}

func TestDispatchMarkupFormatterNotDoubleEscaped(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111", Formatter: "markdown", ParseMode: "Markdown",
	}, "", stub)

	post(d, `{"title": "Alert", "message": "db down"}`, nil)
	if got := stub.calls[0].Text; !strings.Contains(got, "*Alert*") {
		t.Fatalf("text = %q, markup markers must survive", got)
	}
}

func TestDispatchParseModeOverride(t *testing.T) {
	stub := &stubDeliverer{}
	d := newDispatcher(t, config.EndpointConfig{
		Path: "/notify/test", ChatID: "111", ParseMode: "Markdown",
	}, "", stub)

	post(d, `{"message": "x"}`, nil)
	if stub.calls[0].ParseMode != "Markdown" {
		t.Fatalf("parse_mode = %q", stub.calls[0].ParseMode)
	}
	post(d, `{"message": "x", "parse_mode": "HTML"}`, nil)
	if stub.calls[1].ParseMode != "HTML" {
		t.Fatalf("parse_mode = %q, want request override", stub.calls[1].ParseMode)
	}
}
