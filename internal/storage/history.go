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

// Revision is one recorded state of the settings.
type Revision struct {
	Rev       int
	Settings  settings.Settings
	Source    string
	CreatedAt time.Time
}

// InsertRevision records s and returns its revision number.
func InsertRevision(ctx context.Context, db *sql.DB, s settings.Settings, source string) (int, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encode revision: %w", err)
	}
	res, err := db.ExecContext(ctx,
		"INSERT INTO settings_history (settings, source, created_at) VALUES (?, ?, ?)",
		string(data), source, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert revision: %w", err)
	}
	rev, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("revision id: %w", err)
	}
	return int(rev), nil
}

func scanRevision(row interface{ Scan(...any) error }) (*Revision, error) {
	var r Revision
	var raw string
	var created int64
	if err := row.Scan(&r.Rev, &raw, &r.Source, &created); err != nil {
		return nil, err
	}
	var p settings.Patch
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode revision %d: %w", r.Rev, err)
	}
	s, err := settings.Merge(settings.Defaults(), p)
	if err != nil {
		return nil, fmt.Errorf("decode revision %d: %w", r.Rev, err)
	}
	r.Settings = s
	r.CreatedAt = time.UnixMilli(created)
	return &r, nil
}

// GetLatestRevision returns the newest revision, or nil if none exist.
func GetLatestRevision(ctx context.Context, db *sql.DB) (*Revision, error) {
	row := db.QueryRowContext(ctx,
		"SELECT rev, settings, source, created_at FROM settings_history ORDER BY rev DESC LIMIT 1")
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRevision returns revision rev.
func GetRevision(ctx context.Context, db *sql.DB, rev int) (*Revision, error) {
	row := db.QueryRowContext(ctx,
		"SELECT rev, settings, source, created_at FROM settings_history WHERE rev = ?", rev)
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision %d not found", rev)
	}
	return r, err
}

// ListRevisions returns up to limit revisions, newest first.
func ListRevisions(ctx context.Context, db *sql.DB, limit int) ([]Revision, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT rev, settings, source, created_at FROM settings_history ORDER BY rev DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var result []Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return result, nil
}

// PruneRevisions deletes all but the newest keep revisions.
func PruneRevisions(ctx context.Context, db *sql.DB, keep int) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM settings_history WHERE rev NOT IN (
			SELECT rev FROM settings_history ORDER BY rev DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("prune revisions: %w", err)
	}
	return nil
}
