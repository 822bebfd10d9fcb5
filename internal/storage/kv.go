package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lotas/readeasy/internal/settings"
)

// Keys of the local settings store.
const (
	KeySettings = "settings"
	KeyEnabled  = "enabled"
	KeyAPIKeys  = "apiKeys"
	KeySession  = "session"
)

// Querier is the subset of *sql.DB and *sql.Tx the free functions of this
// package need, so they run inside a transaction as well.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetJSON decodes the value stored under key into dst. It reports false if
// the key has never been written.
func GetJSON(ctx context.Context, db Querier, key string, dst any) (bool, error) {
	var raw string
	err := db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v under key, overwriting any previous value.
func PutJSON(ctx context.Context, db Querier, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// DeleteKey removes key from the store. Deleting a missing key is not an error.
func DeleteKey(ctx context.Context, db Querier, key string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SettingsStore is the durable local settings store backed by the kv table.
type SettingsStore struct {
	DB *sql.DB
}

// NewSettingsStore wraps db.
func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{DB: db}
}

// LoadSettings returns the stored settings. Fields missing from an older
// stored object keep their defaults.
func (s *SettingsStore) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	var p settings.Patch
	found, err := GetJSON(ctx, s.DB, KeySettings, &p)
	if err != nil || !found {
		return settings.Defaults(), found, err
	}
	merged, err := settings.Merge(settings.Defaults(), p)
	if err != nil {
		return settings.Defaults(), true, fmt.Errorf("stored settings: %w", err)
	}
	return merged, true, nil
}

func (s *SettingsStore) SaveSettings(ctx context.Context, v settings.Settings) error {
	return PutJSON(ctx, s.DB, KeySettings, v)
}

func (s *SettingsStore) LoadEnabled(ctx context.Context) (bool, bool, error) {
	var enabled bool
	found, err := GetJSON(ctx, s.DB, KeyEnabled, &enabled)
	return enabled, found, err
}

func (s *SettingsStore) SaveEnabled(ctx context.Context, enabled bool) error {
	return PutJSON(ctx, s.DB, KeyEnabled, enabled)
}

func (s *SettingsStore) LoadAPIKeys(ctx context.Context) (map[string]string, error) {
	keys := map[string]string{}
	if _, err := GetJSON(ctx, s.DB, KeyAPIKeys, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SettingsStore) SaveAPIKeys(ctx context.Context, keys map[string]string) error {
	return PutJSON(ctx, s.DB, KeyAPIKeys, keys)
}

// LoadSession returns the persisted remote session token, "" if none.
func (s *SettingsStore) LoadSession(ctx context.Context) (string, error) {
	var token string
	_, err := GetJSON(ctx, s.DB, KeySession, &token)
	return token, err
}

// SaveSession persists the remote session token; "" removes it.
func (s *SettingsStore) SaveSession(ctx context.Context, token string) error {
	if token == "" {
		return DeleteKey(ctx, s.DB, KeySession)
	}
	return PutJSON(ctx, s.DB, KeySession, token)
}
