package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Transport.Kind != "websocket" {
		t.Errorf("Transport.Kind = %q, want websocket", cfg.Transport.Kind)
	}
	if cfg.Node.MaxResends != 3 {
		t.Errorf("Node.MaxResends = %d, want 3", cfg.Node.MaxResends)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "narration": {"provider": "openai", "model": "gpt-4o-mini"},
  "transport": {"kind": "discord", "discord": {"token": "x", "channel_id": "42", "allow_from": ["7", 8]}}
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Narration.Provider != "openai" || cfg.Narration.Model != "gpt-4o-mini" {
		t.Errorf("narration = %+v", cfg.Narration)
	}
	if cfg.Narration.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want default 1024", cfg.Narration.MaxTokens)
	}
	if got := strings.Join(cfg.Transport.Discord.AllowFrom, ","); got != "7,8" {
		t.Errorf("AllowFrom = %q, want 7,8", got)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"relay": {"port": 9000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TALECLAW_RELAY_PORT", "9100")
	t.Setenv("TALECLAW_NODE_DISPLAY_NAME", "Aria")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Relay.Port != 9100 {
		t.Errorf("Relay.Port = %d, want 9100", cfg.Relay.Port)
	}
	if cfg.Node.DisplayName != "Aria" {
		t.Errorf("Node.DisplayName = %q, want Aria", cfg.Node.DisplayName)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Narration.Provider = "llama" }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"unknown slot backend", func(c *Config) { c.Slots.Backend = "s3" }},
		{"negative payload", func(c *Config) { c.Transport.MaxPayload = -1 }},
		{"negative action runes", func(c *Config) { c.Engine.ActionMaxRunes = -5 }},
		{"bad cron", func(c *Config) { c.Autosave.Cron = "every tuesday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_DisabledAutosaveIgnoresCron(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Autosave.Enabled = false
	cfg.Autosave.Cron = "garbage"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Node.Identity = "host-1"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	data, _ := os.ReadFile(path)
	var got Config
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Node.Identity != "host-1" {
		t.Errorf("Identity = %q, want host-1", got.Node.Identity)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TALECLAW_DOTENV_PROBE=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TALECLAW_DOTENV_PROBE", "")
	os.Unsetenv("TALECLAW_DOTENV_PROBE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TALECLAW_DOTENV_PROBE"); got != "yes" {
		t.Errorf("env = %q, want yes", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandHome("~/x/y"); got != home+"/x/y" {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs"); got != "/abs" {
		t.Errorf("expandHome(/abs) = %q", got)
	}
	if got := expandHome(""); got != "" {
		t.Errorf("expandHome(\"\") = %q", got)
	}
}
