package format

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"tgrelay/pkg/logx"
)

// NewTemplateFormatter compiles a template source into a formatter. Missing
// payload keys render as empty values so partial payloads still produce a
// best-effort message.
func NewTemplateFormatter(name, src string) (Formatter, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	return Func(func(payload map[string]any, _ map[string]any) (string, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, payload); err != nil {
			return "", Errorf("template %s: %v", name, err)
		}
		// "missingkey=zero" still prints "<no value>" for untyped nils.
		return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
	}), nil
}

// RegisterTemplates compiles config-defined templates into reg. A template
// that fails to compile is skipped with a warning: one broken template must
// never prevent the server from serving the remaining endpoints.
func RegisterTemplates(reg *Registry, templates map[string]string, log logx.Logger) {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	// Map iteration order is random; keep registration deterministic.
	sort.Strings(names)

	for _, name := range names {
		f, err := NewTemplateFormatter(name, templates[name])
		if err != nil {
			log.Warn("skipping broken template formatter", logx.String("name", name), logx.Err(err))
			continue
		}
		reg.Register(name, f)
	}
}

// DiscoverTemplates loads *.tmpl files from dir and registers each under its
// base name. A missing directory is not an error; a broken file is skipped.
func DiscoverTemplates(reg *Registry, dir string, log logx.Logger) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable template file", logx.String("path", path), logx.Err(err))
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		f, err := NewTemplateFormatter(name, string(src))
		if err != nil {
			log.Warn("skipping broken template file", logx.String("path", path), logx.Err(err))
			continue
		}
		reg.Register(name, f)
	}
	return nil
}
