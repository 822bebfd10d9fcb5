package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicate is returned when a unique username or email already exists.
var ErrDuplicate = errors.New("already exists")

// LocalUser is a credential record of the offline fallback user table.
type LocalUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertLocalUser adds u. It returns ErrDuplicate if the username is taken.
func InsertLocalUser(ctx context.Context, db Querier, u LocalUser) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO local_users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("local user %q: %w", u.Username, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert local user %q: %w", u.Username, err)
	}
	return nil
}

// UpsertLocalUser inserts u or replaces the record with the same username.
func UpsertLocalUser(ctx context.Context, db Querier, u LocalUser) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO local_users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET id = excluded.id, email = excluded.email, password_hash = excluded.password_hash`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert local user %q: %w", u.Username, err)
	}
	return nil
}

// GetLocalUser returns the user with the given username, or nil, nil if none.
func GetLocalUser(ctx context.Context, db Querier, username string) (*LocalUser, error) {
	var u LocalUser
	var created int64
	err := db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM local_users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query local user %q: %w", username, err)
	}
	u.CreatedAt = time.UnixMilli(created)
	return &u, nil
}

// ListLocalUsers returns all local users ordered by username.
func ListLocalUsers(ctx context.Context, db Querier) ([]LocalUser, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM local_users ORDER BY username",
	)
	if err != nil {
		return nil, fmt.Errorf("query local users: %w", err)
	}
	defer rows.Close()

	var result []LocalUser
	for rows.Next() {
		var u LocalUser
		var created int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created); err != nil {
			return nil, fmt.Errorf("scan local user: %w", err)
		}
		u.CreatedAt = time.UnixMilli(created)
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local users: %w", err)
	}
	return result, nil
}

// CountLocalUsers returns the number of rows in the local user table.
func CountLocalUsers(ctx context.Context, db Querier) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM local_users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count local users: %w", err)
	}
	return n, nil
}
