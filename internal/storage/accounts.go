package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lotas/readeasy/internal/account"
	"github.com/lotas/readeasy/internal/settings"
)

// AccountStore is the SQLite implementation of account.Store used by the
// sync server in development and tests.
type AccountStore struct {
	DB *sql.DB
}

// NewAccountStore wraps db.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{DB: db}
}

func (s *AccountStore) CreateUser(ctx context.Context, u *account.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return account.ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert account %q: %w", u.Username, err)
	}
	return nil
}

func (s *AccountStore) findUser(ctx context.Context, column, value string) (*account.User, error) {
	var u account.User
	var created int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM accounts WHERE "+column+" = ?",
		value,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query account by %s: %w", column, err)
	}
	u.CreatedAt = time.UnixMilli(created)
	return &u, nil
}

func (s *AccountStore) FindUserByUsername(ctx context.Context, username string) (*account.User, error) {
	return s.findUser(ctx, "username", username)
}

func (s *AccountStore) FindUserByID(ctx context.Context, id string) (*account.User, error) {
	return s.findUser(ctx, "id", id)
}

func (s *AccountStore) GetSettings(ctx context.Context, userID string) (*account.SettingsDoc, error) {
	var rawSettings, rawKeys string
	var updated int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT settings, api_keys, updated_at FROM account_settings WHERE user_id = ?",
		userID,
	).Scan(&rawSettings, &rawKeys, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query settings for %s: %w", userID, err)
	}

	doc := &account.SettingsDoc{UserID: userID, UpdatedAt: time.UnixMilli(updated)}
	var p settings.Patch
	if err := json.Unmarshal([]byte(rawSettings), &p); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", userID, err)
	}
	if doc.Settings, err = settings.Merge(settings.Defaults(), p); err != nil {
		return nil, fmt.Errorf("stored settings for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(rawKeys), &doc.APIKeys); err != nil {
		return nil, fmt.Errorf("decode api keys for %s: %w", userID, err)
	}
	if doc.APIKeys == nil {
		doc.APIKeys = map[string]string{}
	}
	return doc, nil
}

func (s *AccountStore) SaveSettings(ctx context.Context, doc *account.SettingsDoc) error {
	stored := doc.Settings
	stored.UserID = nil
	rawSettings, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	keys := doc.APIKeys
	if keys == nil {
		keys = map[string]string{}
	}
	rawKeys, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode api keys: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO account_settings (user_id, settings, api_keys, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET settings = excluded.settings, api_keys = excluded.api_keys, updated_at = excluded.updated_at`,
		doc.UserID, string(rawSettings), string(rawKeys), doc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", doc.UserID, err)
	}
	return nil
}
