package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/taleclaw/pkg/auth"
	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/config"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/narration"
	anthropicnarration "github.com/tinyland-inc/taleclaw/pkg/narration/anthropic"
	openainarration "github.com/tinyland-inc/taleclaw/pkg/narration/openai"
	"github.com/tinyland-inc/taleclaw/pkg/node"
	"github.com/tinyland-inc/taleclaw/pkg/slots"
	"github.com/tinyland-inc/taleclaw/pkg/transport"
	"github.com/tinyland-inc/taleclaw/pkg/transport/discord"
	"github.com/tinyland-inc/taleclaw/pkg/transport/memory"
	"github.com/tinyland-inc/taleclaw/pkg/transport/websocket"
)

const Logo = "🎲"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath overrides the default config location when set by --config.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taleclaw", "config.json")
}

// LoadConfig loads ./.env, then the config file with environment overrides.
func LoadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}
	return config.LoadConfig(GetConfigPath())
}

// CreateClient builds the narration client selected by cfg. When no API key
// or OAuth client is configured, the key is read interactively from in.
func CreateClient(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (narration.Client, error) {
	nc := cfg.Narration
	oauth := auth.OAuthConfig{
		ClientID:     nc.OAuth.ClientID,
		ClientSecret: nc.OAuth.ClientSecret,
		TokenURL:     nc.OAuth.TokenURL,
		Scopes:       nc.OAuth.Scopes,
	}

	apiKey := nc.APIKey
	if apiKey == "" && !oauth.Enabled() {
		if in == nil {
			return nil, fmt.Errorf("no API key configured for %s", nc.Provider)
		}
		cred, err := auth.PasteToken(nc.Provider, in, out)
		if err != nil {
			return nil, err
		}
		apiKey = cred.AccessToken
	}

	switch nc.Provider {
	case "anthropic":
		opts := anthropicnarration.Options{
			Model:       nc.Model,
			MaxTokens:   nc.MaxTokens,
			Temperature: nc.Temperature,
		}
		if oauth.Enabled() {
			ts, err := auth.ClientCredentials(ctx, oauth)
			if err != nil {
				return nil, err
			}
			return anthropicnarration.NewClientWithTokenSource(ts, nc.APIBase, opts), nil
		}
		return anthropicnarration.NewClientWithBaseURL(apiKey, nc.APIBase, opts), nil
	case "openai":
		if oauth.Enabled() {
			ts, err := auth.ClientCredentials(ctx, oauth)
			if err != nil {
				return nil, err
			}
			if apiKey, err = ts(); err != nil {
				return nil, err
			}
		}
		return openainarration.NewClient(apiKey, nc.APIBase, openainarration.Options{
			Model:       nc.Model,
			MaxTokens:   nc.MaxTokens,
			Temperature: nc.Temperature,
		}), nil
	}
	return nil, fmt.Errorf("unknown narration provider %q", nc.Provider)
}

// EngineConfig maps the engine section of cfg for the local identity.
func EngineConfig(cfg *config.Config, localID string) engine.Config {
	ec := engine.DefaultConfig()
	ec.LocalID = localID
	if cfg.Engine.ActionMaxRunes > 0 {
		ec.ActionMaxRunes = cfg.Engine.ActionMaxRunes
	}
	if cfg.Engine.NarrativeWindow > 0 {
		ec.NarrativeWindow = cfg.Engine.NarrativeWindow
	}
	if cfg.Narration.TimeoutSeconds > 0 {
		ec.CallTimeout = time.Duration(cfg.Narration.TimeoutSeconds) * time.Second
	}
	return ec
}

// NodeConfig maps the node section of cfg for one session.
func NodeConfig(cfg *config.Config, sessionID string) node.Config {
	nc := cfg.Node
	return node.Config{
		Identity:          nc.Identity,
		DisplayName:       nc.DisplayName,
		SessionID:         sessionID,
		PumpInterval:      time.Duration(nc.PumpIntervalMS) * time.Millisecond,
		ResendInterval:    time.Duration(nc.ResendIntervalSeconds) * time.Second,
		MaxResends:        nc.MaxResends,
		MaxQueuedCommands: nc.MaxQueuedCommands,
		TrackerCapacity:   nc.IdempotencyCapacity,
	}
}

// NewTransport builds the configured transport for memberID and returns it
// with the group id frames are addressed to.
func NewTransport(cfg *config.Config, memberID, group string, mb *bus.MessageBus) (transport.Transport, string, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case "memory":
		if group == "" {
			group = "local"
		}
		g := memory.NewGroup(group)
		return g.Join(memberID, mb, transport.WithMaxPayload(tc.MaxPayload)), group, nil
	case "websocket":
		if group == "" {
			group = tc.WebSocket.Group
		}
		if group == "" {
			return nil, "", errors.New("websocket transport needs a group (transport.websocket.group or --group)")
		}
		return websocket.NewClient(websocket.ClientConfig{
			URL:        tc.WebSocket.URL,
			Group:      group,
			MemberID:   memberID,
			MaxPayload: tc.MaxPayload,
		}, mb), group, nil
	case "discord":
		t, err := discord.New(discord.Config{
			Token:      tc.Discord.Token,
			ChannelID:  tc.Discord.ChannelID,
			MaxPayload: tc.MaxPayload,
			AllowFrom:  tc.Discord.AllowFrom,
		}, mb)
		if err != nil {
			return nil, "", err
		}
		return t, tc.Discord.ChannelID, nil
	}
	return nil, "", fmt.Errorf("unknown transport %q", tc.Kind)
}

// Identity resolves the local participant from flags, then config, then a
// fresh random identity with prefix.
func Identity(cfg *config.Config, id, name, prefix string) (string, string) {
	if id == "" {
		id = cfg.Node.Identity
	}
	if id == "" {
		id = prefix + "-" + uuid.NewString()[:8]
	}
	if name == "" {
		name = cfg.Node.DisplayName
	}
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = id
	}
	return id, name
}

// OpenSlots opens the configured save slot store.
func OpenSlots(cfg *config.Config) (slots.Store, error) {
	return slots.Open(slots.Config{
		Backend:    cfg.Slots.Backend,
		Dir:        cfg.SlotsDir(),
		SQLitePath: cfg.SQLitePath(),
	})
}

// SetupLogging enables debug logging when requested.
func SetupLogging(debug bool) {
	if debug {
		logger.SetLevel(logger.DEBUG)
		logger.DebugC("cli", "Debug logging enabled")
	}
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
