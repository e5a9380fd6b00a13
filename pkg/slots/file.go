package slots

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

const fileExt = ".toml"

// FileStore keeps one TOML file per slot in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("slot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create slot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, strings.TrimSpace(name)+fileExt)
}

func (f *FileStore) Save(_ context.Context, name string, s session.Session) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	data, err := encodeDocument(name, s)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".slot-*")
	if err != nil {
		return fmt.Errorf("create temp slot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write slot %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync slot %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close slot %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		return fmt.Errorf("commit slot %q: %w", name, err)
	}
	logger.DebugCF("slots", "Slot saved", map[string]any{"slot": name, "path": f.path(name)})
	return nil
}

func (f *FileStore) Load(_ context.Context, name string) (session.Session, bool, error) {
	if err := ValidateName(name); err != nil {
		return session.Session{}, false, err
	}
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("read slot %q: %w", name, err)
	}
	s, err := decodeDocument(name, data)
	if err != nil {
		return session.Session{}, false, err
	}
	return s, true, nil
}

func (f *FileStore) List(ctx context.Context) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileExt))
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), fileExt)
		s, ok, err := f.Load(ctx, name)
		if err != nil || !ok {
			logger.WarnCF("slots", "Skipping unreadable slot", map[string]any{"slot": name, "error": fmt.Sprint(err)})
			continue
		}
		out = append(out, Info{Name: name, SessionID: s.ID, Turn: s.Turn, SavedAt: s.LastSavedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FileStore) Close() error { return nil }
