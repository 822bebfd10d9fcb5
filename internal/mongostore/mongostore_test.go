package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lotas/readeasy/internal/account"
)

func TestInsertErrorMapsDuplicateKey(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	if err := insertError(dup); !errors.Is(err, account.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	other := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 121, Message: "validation"}}}
	if err := insertError(other); err == nil || errors.Is(err, account.ErrExists) {
		t.Errorf("expected wrapped error, got %v", err)
	}
	if err := insertError(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

// TestStoreLive runs against a real server when READEASY_TEST_MONGO_URI is set.
func TestStoreLive(t *testing.T) {
	uri := os.Getenv("READEASY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("READEASY_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	dbName := "readeasy_test_" + bson.NewObjectID().Hex()
	s, err := Connect(ctx, uri, dbName)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() {
		s.client.Database(dbName).Drop(ctx)
		s.Close(ctx)
	}()

	u := &account.User{ID: bson.NewObjectID().Hex(), Username: "alice", Email: "a@example.com", PasswordHash: "x", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dup := &account.User{ID: bson.NewObjectID().Hex(), Username: "alice", Email: "b@example.com"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, account.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	got, err := s.FindUserByUsername(ctx, "alice")
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("FindUserByUsername: %+v, %v", got, err)
	}
	if missing, err := s.FindUserByID(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing user, got %+v, %v", missing, err)
	}

	if doc, err := s.GetSettings(ctx, u.ID); err != nil || doc != nil {
		t.Fatalf("expected no settings yet, got %+v, %v", doc, err)
	}
	doc := account.NewSettingsDoc(u.ID)
	doc.Settings.FontSize = 20
	if err := s.SaveSettings(ctx, doc); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	doc.APIKeys["openai"] = "sk"
	if err := s.SaveSettings(ctx, doc); err != nil {
		t.Fatalf("SaveSettings again: %v", err)
	}
	stored, err := s.GetSettings(ctx, u.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetSettings: %+v, %v", stored, err)
	}
	if stored.Settings.FontSize != 20 || stored.APIKeys["openai"] != "sk" {
		t.Errorf("unexpected stored doc %+v", stored)
	}
}
