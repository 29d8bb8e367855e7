package relay

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"tgrelay/internal/config"
)

// Binding is one configured route: path, chat targets, formatter selection
// and delivery options. Bindings are immutable once the table is built.
type Binding struct {
	Path            string
	Targets         []string
	Formatter       string
	ParseMode       string
	FormatterConfig map[string]any
	FieldMap        map[string]string
	AllowOverrides  bool

	buttons [][]button
}

// button holds a precompiled inline-keyboard cell. Text and URL may carry
// template placeholders rendered against the request payload.
type button struct {
	text     *template.Template
	url      *template.Template
	rawText  string
	rawURL   string
	callback string
}

// newBinding validates and converts one endpoint config. Startup-fatal
// problems (empty target set, malformed button template) surface here.
func newBinding(ep config.EndpointConfig) (Binding, error) {
	path := normalizePath(ep.Path)
	if err := checkPath(path); err != nil {
		return Binding{}, fmt.Errorf("endpoint %s: %w", path, err)
	}

	targets := ep.Targets()
	if len(targets) == 0 {
		return Binding{}, fmt.Errorf("endpoint %s: no chat targets", path)
	}

	formatter := ep.Formatter
	if formatter == "" {
		formatter = "plain"
	}

	// Merge labels into the formatter config without mutating the source.
	fcfg := make(map[string]any, len(ep.FormatterConfig)+1)
	for k, v := range ep.FormatterConfig {
		fcfg[k] = v
	}
	if len(ep.Labels) > 0 {
		fcfg["labels"] = ep.Labels
	}

	b := Binding{
		Path:            path,
		Targets:         targets,
		Formatter:       formatter,
		ParseMode:       ep.ParseMode,
		FormatterConfig: fcfg,
		FieldMap:        ep.FieldMap,
		AllowOverrides:  ep.Overridable(),
	}

	for ri, row := range ep.Buttons {
		var cells []button
		for ci, bc := range row {
			cell := button{rawText: bc.Text, rawURL: bc.URL, callback: bc.CallbackData}
			var err error
			if cell.text, err = compileIfTemplated(bc.Text); err != nil {
				return Binding{}, fmt.Errorf("endpoint %s: button[%d][%d] text: %w", path, ri, ci, err)
			}
			if cell.url, err = compileIfTemplated(bc.URL); err != nil {
				return Binding{}, fmt.Errorf("endpoint %s: button[%d][%d] url: %w", path, ri, ci, err)
			}
			cells = append(cells, cell)
		}
		if len(cells) > 0 {
			b.buttons = append(b.buttons, cells)
		}
	}
	return b, nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// checkPath rejects router pattern metacharacters. Paths are literal: a stray
// "{" or "*" would otherwise be parsed as a route pattern and panic the
// router at registration time.
func checkPath(p string) error {
	if i := strings.IndexAny(p, "{}*"); i >= 0 {
		return fmt.Errorf("path contains reserved character %q", p[i])
	}
	return nil
}

func compileIfTemplated(s string) (*template.Template, error) {
	if !strings.Contains(s, "{{") {
		return nil, nil
	}
	return template.New("button").Option("missingkey=zero").Parse(s)
}

// inlineKeyboard builds a Bot API reply_markup object from the binding's
// button rows, rendering templated cells against the payload. A cell whose
// template fails to render falls back to its raw text.
func (b Binding) inlineKeyboard(payload map[string]any) any {
	if len(b.buttons) == 0 {
		return nil
	}
	rows := make([][]map[string]any, 0, len(b.buttons))
	for _, row := range b.buttons {
		cells := make([]map[string]any, 0, len(row))
		for _, cell := range row {
			m := map[string]any{"text": renderCell(cell.text, cell.rawText, payload)}
			switch {
			case cell.rawURL != "":
				m["url"] = renderCell(cell.url, cell.rawURL, payload)
			case cell.callback != "":
				m["callback_data"] = cell.callback
			}
			cells = append(cells, m)
		}
		rows = append(rows, cells)
	}
	return map[string]any{"inline_keyboard": rows}
}

func renderCell(tmpl *template.Template, raw string, payload map[string]any) string {
	if tmpl == nil {
		return raw
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload); err != nil {
		return raw
	}
	return strings.ReplaceAll(buf.String(), "<no value>", "")
}
