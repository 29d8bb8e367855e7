package responder

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tgrelay/internal/config"
	"tgrelay/pkg/logx"
)

func TestCompileCommands(t *testing.T) {
	cmds, err := compileCommands([]config.CommandConfig{
		{Command: "/start", Response: "Hello {{.FirstName}}!"},
		{Command: "ping", Response: "pong"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("commands = %d", len(cmds))
	}
	if cmds[0].name != "start" || cmds[1].name != "ping" {
		t.Fatalf("names = %q, %q", cmds[0].name, cmds[1].name)
	}
}

func TestCompileRejectsBadTemplate(t *testing.T) {
	_, err := compileCommands([]config.CommandConfig{
		{Command: "bad", Response: "{{.Broken"},
	})
	if err == nil {
		t.Fatal("broken template should be a startup error")
	}
	if !strings.Contains(err.Error(), "/bad") {
		t.Fatalf("err = %v", err)
	}
}

func TestRenderResponse(t *testing.T) {
	cmds, err := compileCommands([]config.CommandConfig{
		{Command: "whoami", Response: "You are {{.Username}} ({{.ChatID}})"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := renderResponse(cmds[0].tmpl, SenderContext{Username: "alice", ChatID: 42})
	if err != nil {
		t.Fatal(err)
	}
	if got != "You are alice (42)" {
		t.Fatalf("rendered = %q", got)
	}
}

func TestRenderMissingFieldIsEmpty(t *testing.T) {
	cmds, err := compileCommands([]config.CommandConfig{
		{Command: "hello", Response: "Hi {{.Username}}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := renderResponse(cmds[0].tmpl, SenderContext{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hi " {
		t.Fatalf("rendered = %q", got)
	}
}

func testResponder(callbacks []config.CallbackConfig) *Responder {
	return &Responder{
		callbacks: indexCallbacks(callbacks),
		http:      &http.Client{Timeout: time.Second},
		log:       logx.Nop(),
	}
}

func TestLookupCallback(t *testing.T) {
	r := testResponder([]config.CallbackConfig{
		{Data: "approve", Response: "Approved!"},
		{Data: "deny", Response: "Denied."},
	})

	h, ok := r.lookupCallback("approve")
	if !ok || h.Response != "Approved!" {
		t.Fatalf("lookup approve = %+v, %v", h, ok)
	}
	if _, ok := r.lookupCallback("unknown"); ok {
		t.Fatal("unconfigured callback data should not match")
	}
}

func TestForwardCallbackPostsJSON(t *testing.T) {
	var got callbackForward
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad forward body: %v", err)
		}
	}))
	defer srv.Close()

	r := testResponder(nil)
	err := r.forwardCallback(srv.URL, callbackForward{
		CallbackData: "approve",
		User:         map[string]any{"username": "alice"},
		Message:      map[string]any{"message_id": 7},
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
	if got.CallbackData != "approve" {
		t.Fatalf("callback_data = %q", got.CallbackData)
	}
	if got.User["username"] != "alice" {
		t.Fatalf("user = %v", got.User)
	}
}

func TestForwardCallbackHandlerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := testResponder(nil)
	if err := r.forwardCallback(srv.URL, callbackForward{CallbackData: "x"}); err == nil {
		t.Fatal("expected error for non-2xx handler response")
	}
}
