package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points HOME and NANOCLAW_HOME at a temp dir so no real config leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("NANOCLAW_HOME", home)
	t.Setenv("NANOCLAW_CONFIG", "")
	t.Setenv("NANOCLAW_ENV_FILE", "")
	return home
}

func writeConfig(t *testing.T, home, body string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigPathRespectsNanoclawConfigAndHome(t *testing.T) {
	t.Setenv("NANOCLAW_HOME", "/srv/nanohome")
	t.Setenv("NANOCLAW_CONFIG", "~/.nanoclaw/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/nanohome", ".nanoclaw", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Assistant.Name != "Andy" || cfg.Assistant.MainGroupFolder != "main" {
		t.Fatalf("unexpected assistant defaults: %+v", cfg.Assistant)
	}
	if cfg.Queue.MaxConcurrent != 5 || cfg.Queue.MaxRetries != 0 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Container.MaxOutputBytes != 10<<20 {
		t.Fatalf("unexpected output cap: %d", cfg.Container.MaxOutputBytes)
	}
	if cfg.Metadata.SyncInterval != 24*time.Hour {
		t.Fatalf("unexpected sync interval: %v", cfg.Metadata.SyncInterval)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{
  "assistant": {"name": "Bob", "timezone": "Europe/Berlin"},
  "queue": {"maxConcurrent": 2},
  "channels": {"telegram": {"enabled": true, "token": "${NC_TEST_TG_TOKEN}"}}
}`)
	t.Setenv("NC_TEST_TG_TOKEN", "123:abc")
	t.Setenv("NANOCLAW_QUEUE_MAX_CONCURRENT", "7")
	t.Setenv("NANOCLAW_CONTAINER_RUNTIME", "exec")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Assistant.Name != "Bob" {
		t.Fatalf("expected name from file, got %q", cfg.Assistant.Name)
	}
	if cfg.Queue.MaxConcurrent != 7 {
		t.Fatalf("env should win over file, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("expected ${VAR} substitution, got %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Container.Runtime != "exec" {
		t.Fatalf("expected runtime override, got %q", cfg.Container.Runtime)
	}
	if cfg.Assistant.Location().String() != "Europe/Berlin" {
		t.Fatalf("unexpected location %v", cfg.Assistant.Location())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadIncludeMergesDeep(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "channels.json"), []byte(`{"channels":{"slack":{"enabled":true,"botToken":"xoxb","appToken":"xapp"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, home, `{"$include": "channels.json", "channels": {"slack": {"botToken": "xoxb-main"}}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Channels.Slack
	if !s.Enabled || s.BotToken != "xoxb-main" || s.AppToken != "xapp" {
		t.Fatalf("unexpected merged slack config: %+v", s)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"$include": "config.json"}`)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"assistant":`)
	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"no channels", func(c *Config) {}, false},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, false},
		{"whatsapp", func(c *Config) { c.Channels.WhatsApp.Enabled = true }, true},
		{"kafka without brokers", func(c *Config) { c.Channels.Kafka.Enabled = true }, false},
		{"bad trigger", func(c *Config) {
			c.Channels.WhatsApp.Enabled = true
			c.Assistant.TriggerPattern = "(["
		}, false},
		{"bad runtime", func(c *Config) {
			c.Channels.WhatsApp.Enabled = true
			c.Container.Runtime = "podman"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSaveAndEnsureDir(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Assistant.Name = "Saved"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load()
	if err != nil || loaded.Assistant.Name != "Saved" {
		t.Fatalf("round trip failed: %v %+v", err, loaded)
	}

	newDir := filepath.Join(home, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}

func TestSubstituteEnvValuesLeavesUnknownToken(t *testing.T) {
	input := map[string]any{
		"value": "${NOT_SET_VAR}",
	}
	out := substituteEnvValues(input).(map[string]any)
	if out["value"] != "${NOT_SET_VAR}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}
