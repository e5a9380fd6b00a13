package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tinyland-inc/taleclaw/pkg/autosave"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Narration NarrationConfig `json:"narration"`
	Engine    EngineConfig    `json:"engine"`
	Transport TransportConfig `json:"transport"`
	Node      NodeConfig      `json:"node"`
	Slots     SlotsConfig     `json:"slots"`
	Autosave  AutosaveConfig  `json:"autosave"`
	Relay     RelayConfig     `json:"relay"`
}

type NarrationConfig struct {
	Provider       string      `env:"TALECLAW_NARRATION_PROVIDER"        json:"provider"`
	Model          string      `env:"TALECLAW_NARRATION_MODEL"           json:"model"`
	APIKey         string      `env:"TALECLAW_NARRATION_API_KEY"         json:"api_key"`
	APIBase        string      `env:"TALECLAW_NARRATION_API_BASE"        json:"api_base,omitempty"`
	MaxTokens      int         `env:"TALECLAW_NARRATION_MAX_TOKENS"      json:"max_tokens"`
	Temperature    *float64    `env:"TALECLAW_NARRATION_TEMPERATURE"     json:"temperature,omitempty"`
	TimeoutSeconds int         `env:"TALECLAW_NARRATION_TIMEOUT_SECONDS" json:"timeout_seconds"`
	OAuth          OAuthConfig `json:"oauth,omitzero"`
}

type OAuthConfig struct {
	ClientID     string   `env:"TALECLAW_NARRATION_OAUTH_CLIENT_ID"     json:"client_id,omitempty"`
	ClientSecret string   `env:"TALECLAW_NARRATION_OAUTH_CLIENT_SECRET" json:"client_secret,omitempty"`
	TokenURL     string   `env:"TALECLAW_NARRATION_OAUTH_TOKEN_URL"     json:"token_url,omitempty"`
	Scopes       []string `env:"TALECLAW_NARRATION_OAUTH_SCOPES"        json:"scopes,omitempty"`
}

type EngineConfig struct {
	ActionMaxRunes  int `env:"TALECLAW_ENGINE_ACTION_MAX_RUNES"  json:"action_max_runes"`
	NarrativeWindow int `env:"TALECLAW_ENGINE_NARRATIVE_WINDOW"  json:"narrative_window"`
}

type TransportConfig struct {
	Kind       string          `env:"TALECLAW_TRANSPORT_KIND"        json:"kind"`
	MaxPayload int             `env:"TALECLAW_TRANSPORT_MAX_PAYLOAD" json:"max_payload"`
	WebSocket  WebSocketConfig `json:"websocket"`
	Discord    DiscordConfig   `json:"discord"`
}

type WebSocketConfig struct {
	URL   string `env:"TALECLAW_TRANSPORT_WEBSOCKET_URL"   json:"url"`
	Group string `env:"TALECLAW_TRANSPORT_WEBSOCKET_GROUP" json:"group"`
}

type DiscordConfig struct {
	Token     string              `env:"TALECLAW_TRANSPORT_DISCORD_TOKEN"      json:"token"`
	ChannelID string              `env:"TALECLAW_TRANSPORT_DISCORD_CHANNEL_ID" json:"channel_id"`
	AllowFrom FlexibleStringSlice `env:"TALECLAW_TRANSPORT_DISCORD_ALLOW_FROM" json:"allow_from"`
}

type NodeConfig struct {
	Identity              string `env:"TALECLAW_NODE_IDENTITY"                json:"identity"`
	DisplayName           string `env:"TALECLAW_NODE_DISPLAY_NAME"            json:"display_name"`
	PumpIntervalMS        int    `env:"TALECLAW_NODE_PUMP_INTERVAL_MS"        json:"pump_interval_ms"`
	ResendIntervalSeconds int    `env:"TALECLAW_NODE_RESEND_INTERVAL_SECONDS" json:"resend_interval_seconds"`
	MaxResends            int    `env:"TALECLAW_NODE_MAX_RESENDS"             json:"max_resends"`
	MaxQueuedCommands     int    `env:"TALECLAW_NODE_MAX_QUEUED_COMMANDS"     json:"max_queued_commands"`
	IdempotencyCapacity   int    `env:"TALECLAW_NODE_IDEMPOTENCY_CAPACITY"    json:"idempotency_capacity"`
}

type SlotsConfig struct {
	Backend    string `env:"TALECLAW_SLOTS_BACKEND"     json:"backend"`
	Dir        string `env:"TALECLAW_SLOTS_DIR"         json:"dir"`
	SQLitePath string `env:"TALECLAW_SLOTS_SQLITE_PATH" json:"sqlite_path"`
}

type AutosaveConfig struct {
	Enabled bool   `env:"TALECLAW_AUTOSAVE_ENABLED" json:"enabled"`
	Cron    string `env:"TALECLAW_AUTOSAVE_CRON"    json:"cron"`
	Slot    string `env:"TALECLAW_AUTOSAVE_SLOT"    json:"slot"`
}

type RelayConfig struct {
	Host string `env:"TALECLAW_RELAY_HOST" json:"host"`
	Port int    `env:"TALECLAW_RELAY_PORT" json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Narration: NarrationConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-5",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Engine: EngineConfig{
			ActionMaxRunes:  120,
			NarrativeWindow: 6000,
		},
		Transport: TransportConfig{
			Kind:       "websocket",
			MaxPayload: 256 * 1024,
			WebSocket: WebSocketConfig{
				URL: "ws://127.0.0.1:8740",
			},
		},
		Node: NodeConfig{
			PumpIntervalMS:        100,
			ResendIntervalSeconds: 5,
			MaxResends:            3,
			MaxQueuedCommands:     16,
			IdempotencyCapacity:   10_000,
		},
		Slots: SlotsConfig{
			Backend:    "file",
			Dir:        "~/.taleclaw/slots",
			SQLitePath: "~/.taleclaw/slots.db",
		},
		Autosave: AutosaveConfig{
			Enabled: true,
			Cron:    autosave.DefaultExpr,
			Slot:    autosave.DefaultSlot,
		},
		Relay: RelayConfig{
			Host: "0.0.0.0",
			Port: 8740,
		},
	}
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfig reads path over DefaultConfig and then applies TALECLAW_*
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	switch c.Narration.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("narration.provider: unknown provider %q", c.Narration.Provider)
	}
	switch c.Transport.Kind {
	case "memory", "websocket", "discord":
	default:
		return fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
	switch strings.ToLower(c.Slots.Backend) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("slots.backend: unknown backend %q", c.Slots.Backend)
	}
	if c.Transport.MaxPayload < 0 {
		return errors.New("transport.max_payload must not be negative")
	}
	if c.Engine.ActionMaxRunes < 0 || c.Engine.NarrativeWindow < 0 {
		return errors.New("engine limits must not be negative")
	}
	if c.Autosave.Enabled {
		if err := autosave.Validate(c.Autosave.Cron); err != nil {
			return fmt.Errorf("autosave.cron: %w", err)
		}
	}
	return nil
}

// SlotsDir returns the slot directory with ~ expanded.
func (c *Config) SlotsDir() string {
	return expandHome(c.Slots.Dir)
}

// SQLitePath returns the slot database path with ~ expanded.
func (c *Config) SQLitePath() string {
	return expandHome(c.Slots.SQLitePath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
