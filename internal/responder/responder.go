// Package responder answers configured bot commands and inline-button
// callbacks over long polling.
//
// It is the only interactive surface of the relay: notification delivery
// itself never reads updates. Commands and callbacks are declarative, so
// operators can add /status-style replies and button handling without code.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgrelay/internal/config"
	"tgrelay/pkg/logx"
)

// SenderContext is the data a response template renders against.
type SenderContext struct {
	Username  string
	FirstName string
	LastName  string
	ChatID    int64
}

type command struct {
	name      string
	tmpl      *template.Template
	parseMode string
}

// Responder runs a telebot long-poll loop and replies to configured
// commands and inline-button callbacks. Unconfigured commands are ignored;
// unconfigured callbacks are acknowledged without a message so buttons
// never spin forever.
type Responder struct {
	bot       *tele.Bot
	cmds      []command
	callbacks map[string]config.CallbackConfig
	http      *http.Client
	log       logx.Logger
}

// New validates the command set and connects the bot. A response template
// that fails to parse is a startup error.
func New(token string, cmds []config.CommandConfig, callbacks []config.CallbackConfig, log logx.Logger) (*Responder, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("responder requires a bot token")
	}
	parsed, err := compileCommands(cmds)
	if err != nil {
		return nil, err
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	r := &Responder{
		bot:       b,
		cmds:      parsed,
		callbacks: indexCallbacks(callbacks),
		http:      &http.Client{Timeout: 8 * time.Second},
		log:       log,
	}
	for _, c := range r.cmds {
		c := c
		b.Handle("/"+c.name, func(tc tele.Context) error { return r.reply(tc, c) })
		log.Info("command registered", logx.String("command", c.name))
	}
	b.Handle(tele.OnCallback, r.onCallback)
	return r, nil
}

func indexCallbacks(callbacks []config.CallbackConfig) map[string]config.CallbackConfig {
	out := make(map[string]config.CallbackConfig, len(callbacks))
	for _, cb := range callbacks {
		out[cb.Data] = cb
	}
	return out
}

// CheckCommands validates command declarations without connecting a bot.
func CheckCommands(cmds []config.CommandConfig) error {
	_, err := compileCommands(cmds)
	return err
}

func compileCommands(cmds []config.CommandConfig) ([]command, error) {
	out := make([]command, 0, len(cmds))
	for i, cc := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(cc.Command), "/")
		if name == "" {
			return nil, fmt.Errorf("commands[%d]: empty command", i)
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(cc.Response)
		if err != nil {
			return nil, fmt.Errorf("commands[%d] (/%s): bad response template: %w", i, name, err)
		}
		out = append(out, command{name: name, tmpl: tmpl, parseMode: cc.ParseMode})
	}
	return out, nil
}

func (r *Responder) reply(tc tele.Context, c command) error {
	sender := SenderContext{ChatID: tc.Chat().ID}
	if s := tc.Sender(); s != nil {
		sender.Username = s.Username
		sender.FirstName = s.FirstName
		sender.LastName = s.LastName
	}

	text, err := renderResponse(c.tmpl, sender)
	if err != nil {
		r.log.Warn("response template failed", logx.String("command", c.name), logx.Err(err))
		return nil
	}
	return tc.Send(text, &tele.SendOptions{ParseMode: c.parseMode})
}

// onCallback answers an inline-button click. A configured callback gets its
// response text and an optional JSON forward to its URL; anything else is
// acknowledged bare so the client stops its spinner.
func (r *Responder) onCallback(tc tele.Context) error {
	cb := tc.Callback()
	if cb == nil {
		return nil
	}
	data := strings.TrimSpace(cb.Data)

	handler, ok := r.lookupCallback(data)
	if !ok {
		r.log.Debug("unconfigured callback", logx.String("data", data))
		return tc.Respond(&tele.CallbackResponse{})
	}

	if handler.URL != "" {
		if err := r.forwardCallback(handler.URL, callbackForward{
			CallbackData: data,
			User:         callbackUser(cb.Sender),
			Message:      callbackMessage(cb.Message),
		}); err != nil {
			r.log.Warn("callback forward failed",
				logx.String("data", data),
				logx.String("url", handler.URL),
				logx.Err(err))
		}
	}
	return tc.Respond(&tele.CallbackResponse{Text: handler.Response})
}

func (r *Responder) lookupCallback(data string) (config.CallbackConfig, bool) {
	h, ok := r.callbacks[data]
	return h, ok
}

// callbackForward is the body POSTed to a callback handler URL.
type callbackForward struct {
	CallbackData string         `json:"callback_data"`
	User         map[string]any `json:"user"`
	Message      map[string]any `json:"message"`
}

func (r *Responder) forwardCallback(url string, body callbackForward) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := r.http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback handler returned %d", resp.StatusCode)
	}
	return nil
}

func callbackUser(u *tele.User) map[string]any {
	out := map[string]any{}
	if u == nil {
		return out
	}
	out["id"] = u.ID
	out["username"] = u.Username
	out["first_name"] = u.FirstName
	out["last_name"] = u.LastName
	return out
}

func callbackMessage(m *tele.Message) map[string]any {
	out := map[string]any{}
	if m == nil {
		return out
	}
	out["message_id"] = m.ID
	out["text"] = m.Text
	if m.Chat != nil {
		out["chat_id"] = m.Chat.ID
	}
	return out
}

func renderResponse(tmpl *template.Template, sender SenderContext) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, sender); err != nil {
		return "", err
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Start begins polling and blocks until Stop or ctx cancellation.
func (r *Responder) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.bot.Stop()
	}()
	r.log.Info("responder polling started",
		logx.Int("commands", len(r.cmds)),
		logx.Int("callbacks", len(r.callbacks)))
	r.bot.Start()
	r.log.Info("responder polling stopped")
}

func (r *Responder) Stop() { r.bot.Stop() }
