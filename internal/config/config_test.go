package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
bot:
  token: "123:abc"
server:
  port: 8000
  api_key: "secret"
endpoints:
  - path: "/notify/orders"
    chat_id: "-1001234"
    formatter: "plain"
  - path: "/notify/alerts"
    chat_ids: ["1", "2"]
    formatter: "markdown"
    parse_mode: "Markdown"
`

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Bot.Token)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("endpoints = %d", len(cfg.Endpoints))
	}
	if got := cfg.Endpoints[1].Targets(); len(got) != 2 || got[0] != "1" {
		t.Fatalf("targets = %v", got)
	}
	if !cfg.Endpoints[0].Overridable() {
		t.Fatal("overrides should default to allowed")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_key: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown key should be rejected")
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("TGRELAY_TEST_TOKEN", "999:zzz")
	yaml := strings.Replace(validYAML, `"123:abc"`, `"${TGRELAY_TEST_TOKEN}"`, 1)
	m := NewManager(writeConfig(t, "config.yaml", yaml))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Bot.Token != "999:zzz" {
		t.Fatalf("token = %q", cfg.Bot.Token)
	}
}

func TestParseMissingEnvFails(t *testing.T) {
	yaml := strings.Replace(validYAML, `"123:abc"`, `"${TGRELAY_DEFINITELY_UNSET}"`, 1)
	m := NewManager(writeConfig(t, "config.yaml", yaml))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unset env var reference should fail")
	}
}

func TestValidateRequirements(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing token", "endpoints:\n  - path: /x\n    chat_id: \"1\"\n"},
		{"no endpoints", "bot:\n  token: \"1:a\"\n"},
		{"endpoint without chat", "bot:\n  token: \"1:a\"\nendpoints:\n  - path: /x\n"},
		{"callback without data", "bot:\n  token: \"1:a\"\nendpoints:\n  - path: /x\n    chat_id: \"1\"\ncallbacks:\n  - response: hi\n"},
	}
	for _, tc := range cases {
		m := NewManager(writeConfig(t, "config.yaml", tc.yaml))
		if _, err := m.Parse(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestTestModeAllowsMissingToken(t *testing.T) {
	yaml := "bot:\n  test_mode: true\nendpoints:\n  - path: /x\n    chat_id: \"1\"\n"
	m := NewManager(writeConfig(t, "config.yaml", yaml))
	if _, err := m.Parse(); err != nil {
		t.Fatalf("test mode should not require a token: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("delivery.retry_base", "500ms")
	if err != nil || d.Milliseconds() != 500 {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "banana"); err == nil {
		t.Fatal("invalid duration should fail")
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero, got %v %v", d, err)
	}
}
