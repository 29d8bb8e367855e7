package format

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RegisterBuiltins populates reg with the built-in formatters. Built-ins go
// in first so config-defined templates can deliberately shadow them.
func RegisterBuiltins(reg *Registry) {
	reg.Register("plain", Func(formatPlain))
	// markdown and json emit their own markup and escape their content, so
	// the dispatcher must not escape their output again.
	reg.Register("markdown", MarkupFunc(formatMarkdown))
	reg.Register("json", MarkupFunc(formatJSON))
}

// reserved payload keys that carry routing/rendering hints rather than
// notification content.
var reservedKeys = map[string]bool{
	"chat_id":    true,
	"chat_ids":   true,
	"parse_mode": true,
	"image_url":  true,
	"image_urls": true,
}

// formatPlain renders the message field verbatim; without one it falls back
// to "key: value" lines so arbitrary payloads still produce something useful.
func formatPlain(payload map[string]any, _ map[string]any) (string, error) {
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg, nil
	}
	lines := contentLines(payload, nil, nil)
	if len(lines) == 0 {
		return "", Errorf("payload has no message and no renderable fields")
	}
	return strings.Join(lines, "\n"), nil
}

// formatMarkdown renders a bold title followed by the message and remaining
// fields. Field names can be relabeled via cfg["labels"]. Interpolated
// content is escaped here so payload values can't break the markup.
func formatMarkdown(payload map[string]any, cfg map[string]any) (string, error) {
	labels := labelMap(cfg)

	var b strings.Builder
	if title, ok := payload["title"].(string); ok && title != "" {
		b.WriteString("*" + EscapeMarkdown(title) + "*\n")
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(EscapeMarkdown(msg) + "\n")
	}
	lines := contentLines(payload, func(k string) (string, bool) {
		if k == "title" || k == "message" {
			return "", false
		}
		if l, ok := labels[k]; ok {
			return l, true
		}
		return k, true
	}, EscapeMarkdown)
	if len(lines) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "", Errorf("payload has no renderable fields")
	}
	return out, nil
}

// formatJSON renders the whole payload as an indented JSON code block.
func formatJSON(payload map[string]any, _ map[string]any) (string, error) {
	content := make(map[string]any, len(payload))
	for k, v := range payload {
		if !reservedKeys[k] {
			content[k] = v
		}
	}
	b, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", Errorf("payload not JSON-renderable: %v", err)
	}
	return "```\n" + string(b) + "\n```", nil
}

// contentLines renders non-reserved payload fields as "key: value" lines in
// sorted key order. relabel may rename or drop keys; escape, when set, is
// applied to the rendered value.
func contentLines(payload map[string]any, relabel func(k string) (string, bool), escape func(string) string) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if reservedKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		name := k
		if relabel != nil {
			var ok bool
			if name, ok = relabel(k); !ok {
				continue
			}
		}
		val := fmt.Sprintf("%v", payload[k])
		if escape != nil {
			val = escape(val)
		}
		lines = append(lines, name+": "+val)
	}
	return lines
}

func labelMap(cfg map[string]any) map[string]string {
	out := map[string]string{}
	raw, ok := cfg["labels"]
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
