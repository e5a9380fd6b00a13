// Package slots persists sessions in named save slots. Every backend stores
// the same TOML document so slots can move between them.
package slots

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tinyland-inc/taleclaw/pkg/session"
)

const documentVersion = 1

var ErrNotFound = errors.New("save slot not found")

// Info summarizes one slot without decoding its narrative.
type Info struct {
	Name      string
	SessionID string
	Turn      int
	SavedAt   time.Time
}

type Store interface {
	Save(ctx context.Context, name string, s session.Session) error
	// Load reports false with a nil error when the slot does not exist.
	Load(ctx context.Context, name string) (session.Session, bool, error)
	List(ctx context.Context) ([]Info, error)
	Close() error
}

type Config struct {
	Backend    string
	Dir        string
	SQLitePath string
}

// Open returns the store selected by cfg.Backend ("file" or "sqlite").
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown slot backend %q", cfg.Backend)
	}
}

// ValidateName checks that name is usable as a slot name: non-empty, at
// most 64 characters, and free of path separators or "..".
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("slot name is required")
	}
	if len(trimmed) > 64 {
		return errors.New("slot name must be at most 64 characters")
	}
	if strings.ContainsAny(trimmed, "/\\") || strings.Contains(trimmed, "..") || strings.HasPrefix(trimmed, ".") {
		return errors.New("slot name must not contain path separators or '..'")
	}
	return nil
}

type document struct {
	Version int             `toml:"version"`
	Slot    string          `toml:"slot"`
	Session session.Session `toml:"session"`
}

func encodeDocument(name string, s session.Session) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid session: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(document{Version: documentVersion, Slot: name, Session: s}); err != nil {
		return nil, fmt.Errorf("encode slot %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

func decodeDocument(name string, data []byte) (session.Session, error) {
	var doc document
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return session.Session{}, fmt.Errorf("decode slot %q: %w", name, err)
	}
	if doc.Version != documentVersion {
		return session.Session{}, fmt.Errorf("slot %q has unsupported version %d", name, doc.Version)
	}
	if err := doc.Session.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("slot %q: %w", name, err)
	}
	return doc.Session, nil
}
