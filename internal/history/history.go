// Package history keeps a revision log of the settings so earlier states can
// be listed, compared and restored.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/settings"
	"github.com/lotas/readeasy/internal/storage"
)

// DefaultKeep is the number of revisions retained by a Recorder.
const DefaultKeep = 100

// Create records s unless it equals the latest revision. It returns the
// revision number and whether a new one was written.
func Create(ctx context.Context, db *sql.DB, s settings.Settings, source string) (rev int, created bool, err error) {
	latest, err := storage.GetLatestRevision(ctx, db)
	if err != nil {
		return 0, false, fmt.Errorf("get latest revision: %w", err)
	}
	if latest != nil && settings.Equal(latest.Settings, s) {
		return latest.Rev, false, nil
	}

	rev, err = storage.InsertRevision(ctx, db, s, source)
	if err != nil {
		return 0, false, err
	}
	applog.Info("history.created", "rev", rev, "source", source)
	return rev, true, nil
}

// Recorder appends revisions and trims the log to Keep entries.
type Recorder struct {
	DB   *sql.DB
	Keep int
}

// NewRecorder returns a Recorder keeping DefaultKeep revisions.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{DB: db, Keep: DefaultKeep}
}

func (r *Recorder) Record(ctx context.Context, s settings.Settings, source string) error {
	_, created, err := Create(ctx, r.DB, s, source)
	if err != nil || !created || r.Keep <= 0 {
		return err
	}
	return storage.PruneRevisions(ctx, r.DB, r.Keep)
}

// Change is one field that differs between two settings.
type Change struct {
	Field string
	From  any
	To    any
}

// DiffResult lists the changed fields, sorted by name.
type DiffResult struct {
	FromRev int
	ToRev   int // 0 means the current settings
	Changes []Change
}

// Diff compares two settings field by field.
func Diff(from, to settings.Settings) ([]Change, error) {
	a, err := from.Fields()
	if err != nil {
		return nil, err
	}
	b, err := to.Fields()
	if err != nil {
		return nil, err
	}

	var changes []Change
	for field, av := range a {
		if bv := b[field]; fmt.Sprint(av) != fmt.Sprint(bv) {
			changes = append(changes, Change{Field: field, From: av, To: bv})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes, nil
}

// DiffRevisions compares revision fromRev against toRev, or against current
// when toRev is 0.
func DiffRevisions(ctx context.Context, db *sql.DB, fromRev, toRev int, current settings.Settings) (*DiffResult, error) {
	from, err := storage.GetRevision(ctx, db, fromRev)
	if err != nil {
		return nil, err
	}
	to := current
	if toRev != 0 {
		r, err := storage.GetRevision(ctx, db, toRev)
		if err != nil {
			return nil, err
		}
		to = r.Settings
	}
	changes, err := Diff(from.Settings, to)
	if err != nil {
		return nil, err
	}
	return &DiffResult{FromRev: fromRev, ToRev: toRev, Changes: changes}, nil
}

func formatValue(v any) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(v)
}

// FormatDiff returns a human-readable rendering of d.
func FormatDiff(d *DiffResult) string {
	var sb strings.Builder

	target := "current settings"
	if d.ToRev != 0 {
		target = fmt.Sprintf("revision %d", d.ToRev)
	}
	fmt.Fprintf(&sb, "Revision %d against %s\n", d.FromRev, target)

	if len(d.Changes) == 0 {
		sb.WriteString("\nNo changes.\n")
		return sb.String()
	}
	sb.WriteString("\n")
	for _, c := range d.Changes {
		fmt.Fprintf(&sb, "  %-20s %s -> %s\n", c.Field, formatValue(c.From), formatValue(c.To))
	}
	return sb.String()
}

// RestorePatch returns the patch that brings the settings back to r. The
// user id is left out so restoring never changes who is signed in.
func RestorePatch(r *storage.Revision) settings.Patch {
	return settings.PatchOf(r.Settings).Without("userId")
}
