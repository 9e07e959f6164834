package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lysyi3m/rss-autorefresh/app/database"
	"gopkg.in/yaml.v3"
)

// StorageKey is the settings-table key holding the auto-refresh document.
const StorageKey = "auto_refresh"

// Backend is where the settings document lives. Load returns (nil, nil) when
// nothing has been stored yet.
type Backend interface {
	Load(ctx context.Context) (*Partial, error)
	Save(ctx context.Context, s RefreshSettings) error
}

var (
	_ Backend = (*DatabaseBackend)(nil)
	_ Backend = (*FileBackend)(nil)
)

// DatabaseBackend stores the settings as JSON in the key/value settings table.
type DatabaseBackend struct {
	repo database.SettingsRepository
}

func NewDatabaseBackend(repo database.SettingsRepository) *DatabaseBackend {
	return &DatabaseBackend{repo: repo}
}

func (b *DatabaseBackend) Load(ctx context.Context) (*Partial, error) {
	raw, err := b.repo.GetSetting(ctx, StorageKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p Partial
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode stored settings: %w", err)
	}
	return &p, nil
}

func (b *DatabaseBackend) Save(ctx context.Context, s RefreshSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return b.repo.SetSetting(ctx, StorageKey, string(raw))
}

// FileBackend keeps the settings in a YAML document on disk.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(ctx context.Context) (*Partial, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var p Partial
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", b.path, err)
	}
	return &p, nil
}

// Save writes through a temporary file so a crash never leaves a truncated document.
func (b *FileBackend) Save(ctx context.Context, s RefreshSettings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}
