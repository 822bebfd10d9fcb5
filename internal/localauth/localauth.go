// Package localauth serves login and registration from the local user table
// when the sync server cannot be reached.
package localauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lotas/readeasy/internal/storage"
)

// IDPrefix marks user ids minted offline. Such ids are unknown to the sync
// server and never trigger remote pushes.
const IDPrefix = "local-"

var (
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingFields      = errors.New("all fields are required")
)

// IsLocalID reports whether id was minted by Register.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, IDPrefix)
}

// Store is the offline credential table.
type Store struct {
	db   *sql.DB
	cost int
}

// New returns a Store over db using bcrypt's default cost.
func New(db *sql.DB) *Store {
	return &Store{db: db, cost: bcrypt.DefaultCost}
}

// WithCost sets the bcrypt cost, mainly so tests can use bcrypt.MinCost.
func (s *Store) WithCost(cost int) *Store {
	s.cost = cost
	return s
}

// Register creates an offline account and returns its id. A taken username
// fails with ErrUserExists and leaves the table untouched.
func (s *Store) Register(ctx context.Context, username, email, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrMissingFields
	}
	existing, err := storage.GetLocalUser(ctx, s.db, username)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	id := IDPrefix + uuid.NewString()
	err = storage.InsertLocalUser(ctx, s.db, storage.LocalUser{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return "", ErrUserExists
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Login checks username and password against the table and returns the
// matching user.
func (s *Store) Login(ctx context.Context, username, password string) (*storage.LocalUser, error) {
	u, err := storage.GetLocalUser(ctx, s.db, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Remember caches a credential that the sync server has just accepted, so
// the same login keeps working offline under the server-issued id.
func (s *Store) Remember(ctx context.Context, id, username, email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return storage.UpsertLocalUser(ctx, s.db, storage.LocalUser{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	})
}
