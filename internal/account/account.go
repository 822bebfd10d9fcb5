// Package account holds the sync server's document types and the storage
// interface implemented by the SQLite and Mongo backends.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/lotas/readeasy/internal/settings"
)

// ErrExists is returned by CreateUser when the username or email is taken.
var ErrExists = errors.New("user already exists with that email or username")

// User is a registered account.
type User struct {
	ID           string    `json:"id" bson:"_id"`
	Username     string    `json:"username" bson:"username"`
	Email        string    `json:"email" bson:"email"`
	PasswordHash string    `json:"-" bson:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
}

// SettingsDoc is the per-user settings document.
type SettingsDoc struct {
	UserID    string            `json:"userId" bson:"userId"`
	Settings  settings.Settings `json:"settings" bson:"settings"`
	APIKeys   map[string]string `json:"apiKeys" bson:"apiKeys"`
	UpdatedAt time.Time         `json:"updatedAt" bson:"updatedAt"`
}

// NewSettingsDoc returns a document holding default settings.
func NewSettingsDoc(userID string) *SettingsDoc {
	return &SettingsDoc{
		UserID:    userID,
		Settings:  settings.Defaults(),
		APIKeys:   map[string]string{},
		UpdatedAt: time.Now(),
	}
}

// Store persists users and their settings. Finders return nil, nil when
// nothing matches.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	GetSettings(ctx context.Context, userID string) (*SettingsDoc, error)
	SaveSettings(ctx context.Context, doc *SettingsDoc) error
}
