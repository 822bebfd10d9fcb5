package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lotas/readeasy/internal/account"
	"github.com/lotas/readeasy/internal/settings"
)

// testDB creates a temporary database for testing.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "readeasy.db")

	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not found: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestOpenDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if err := PutJSON(context.Background(), db, "k", 42); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	db.Close()

	db2, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB again: %v", err)
	}
	defer db2.Close()

	var v int
	found, err := GetJSON(context.Background(), db2, "k", &v)
	if err != nil || !found || v != 42 {
		t.Errorf("GetJSON = %v, %v, %v; want 42, true, nil", v, found, err)
	}
}

func TestSettingsStoreEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewSettingsStore(testDB(t))

	got, found, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if found {
		t.Error("expected no stored settings")
	}
	if !settings.Equal(got, settings.Defaults()) {
		t.Errorf("expected defaults, got %+v", got)
	}

	_, found, err = s.LoadEnabled(ctx)
	if err != nil || found {
		t.Errorf("LoadEnabled found=%v err=%v, want false, nil", found, err)
	}
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSettingsStore(testDB(t))

	want := settings.Defaults().WithUser("u-7")
	want.FontSize = 22
	if err := s.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, found, err := s.LoadSettings(ctx)
	if err != nil || !found {
		t.Fatalf("LoadSettings found=%v err=%v", found, err)
	}
	if !settings.Equal(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if err := s.SaveEnabled(ctx, true); err != nil {
		t.Fatalf("SaveEnabled: %v", err)
	}
	enabled, found, err := s.LoadEnabled(ctx)
	if err != nil || !found || !enabled {
		t.Errorf("LoadEnabled = %v, %v, %v", enabled, found, err)
	}
}

func TestSettingsStoreFillsMissingFields(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	if err := PutJSON(ctx, db, KeySettings, map[string]any{"fontSize": 19}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	got, _, err := NewSettingsStore(db).LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got.FontSize != 19 || got.Font != "sans-serif" {
		t.Errorf("got %+v, want fontSize 19 over defaults", got)
	}
}

func TestSessionToken(t *testing.T) {
	ctx := context.Background()
	s := NewSettingsStore(testDB(t))

	if err := s.SaveSession(ctx, "tok"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if tok, _ := s.LoadSession(ctx); tok != "tok" {
		t.Errorf("LoadSession = %q, want tok", tok)
	}
	if err := s.SaveSession(ctx, ""); err != nil {
		t.Fatalf("SaveSession clear: %v", err)
	}
	if tok, _ := s.LoadSession(ctx); tok != "" {
		t.Errorf("LoadSession after clear = %q", tok)
	}
}

func TestLocalUsers(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	u := LocalUser{ID: "local-1", Username: "alice", Email: "a@example.com", PasswordHash: "h"}
	if err := InsertLocalUser(ctx, db, u); err != nil {
		t.Fatalf("InsertLocalUser: %v", err)
	}
	err := InsertLocalUser(ctx, db, LocalUser{ID: "local-2", Username: "alice", PasswordHash: "x"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetLocalUser(ctx, db, "alice")
	if err != nil || got == nil {
		t.Fatalf("GetLocalUser = %v, %v", got, err)
	}
	if got.ID != "local-1" || got.PasswordHash != "h" {
		t.Errorf("unexpected user %+v", got)
	}

	missing, err := GetLocalUser(ctx, db, "bob")
	if err != nil || missing != nil {
		t.Errorf("GetLocalUser(bob) = %v, %v; want nil, nil", missing, err)
	}

	u.ID = "remote-1"
	u.PasswordHash = "h2"
	if err := UpsertLocalUser(ctx, db, u); err != nil {
		t.Fatalf("UpsertLocalUser: %v", err)
	}
	users, err := ListLocalUsers(ctx, db)
	if err != nil {
		t.Fatalf("ListLocalUsers: %v", err)
	}
	if len(users) != 1 || users[0].ID != "remote-1" {
		t.Errorf("unexpected users %+v", users)
	}
}

func TestAccountStore(t *testing.T) {
	ctx := context.Background()
	s := NewAccountStore(testDB(t))

	u := &account.User{ID: "u1", Username: "alice", Email: "a@example.com", PasswordHash: "h"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dup := &account.User{ID: "u2", Username: "alice2", Email: "a@example.com", PasswordHash: "h"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, account.ErrExists) {
		t.Fatalf("expected ErrExists for duplicate email, got %v", err)
	}

	byName, err := s.FindUserByUsername(ctx, "alice")
	if err != nil || byName == nil || byName.ID != "u1" {
		t.Fatalf("FindUserByUsername = %+v, %v", byName, err)
	}
	byID, err := s.FindUserByID(ctx, "nope")
	if err != nil || byID != nil {
		t.Fatalf("FindUserByID(nope) = %+v, %v", byID, err)
	}

	doc, err := s.GetSettings(ctx, "u1")
	if err != nil || doc != nil {
		t.Fatalf("GetSettings before save = %+v, %v", doc, err)
	}

	doc = account.NewSettingsDoc("u1")
	doc.Settings.FontSize = 21
	doc.APIKeys["openai"] = "sk-test"
	if err := s.SaveSettings(ctx, doc); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err := s.GetSettings(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetSettings = %+v, %v", got, err)
	}
	if got.Settings.FontSize != 21 || got.APIKeys["openai"] != "sk-test" {
		t.Errorf("unexpected doc %+v", got)
	}
}
