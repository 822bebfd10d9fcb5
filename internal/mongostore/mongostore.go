// Package mongostore implements account.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/lotas/readeasy/internal/account"
)

const (
	usersCollection    = "users"
	settingsCollection = "settings"
	pingTimeout        = 5 * time.Second
)

// Store keeps users and settings documents in two collections.
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	settings *mongo.Collection
}

// Connect dials uri, verifies the connection and ensures the unique indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := New(client.Database(database))
	s.client = client
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an already connected database.
func New(db *mongo.Database) *Store {
	return &Store{
		users:    db.Collection(usersCollection),
		settings: db.Collection(settingsCollection),
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	_, err = s.settings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("create settings index: %w", err)
	}
	return nil
}

// Close disconnects the client opened by Connect.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u *account.User) error {
	_, err := s.users.InsertOne(ctx, u)
	return insertError(err)
}

// insertError maps a unique index violation to account.ErrExists.
func insertError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return account.ErrExists
	}
	return fmt.Errorf("insert user: %w", err)
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*account.User, error) {
	var u account.User
	err := s.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*account.User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*account.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetSettings(ctx context.Context, userID string) (*account.SettingsDoc, error) {
	var doc account.SettingsDoc
	err := s.settings.FindOne(ctx, bson.M{"userId": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find settings: %w", err)
	}
	if doc.APIKeys == nil {
		doc.APIKeys = map[string]string{}
	}
	return &doc, nil
}

// SaveSettings replaces the user's document, inserting it when missing.
func (s *Store) SaveSettings(ctx context.Context, doc *account.SettingsDoc) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.settings.ReplaceOne(ctx, bson.M{"userId": doc.UserID}, doc, opts); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
