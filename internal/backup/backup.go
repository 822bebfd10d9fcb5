// Package backup writes and restores the agent's local state as a single
// lz4-compressed file.
package backup

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/readeasy/internal/settings"
	"github.com/lotas/readeasy/internal/storage"
)

// Magic opens every backup file. It is followed by the 4-byte little-endian
// uncompressed size and one raw lz4 block.
var Magic = []byte("readeasy\x00")

const (
	headerSize = 13
	maxPayload = 64 << 20
	version    = 1
)

// Snapshot is the decoded content of a backup.
type Snapshot struct {
	Version    int                 `json:"version"`
	CreatedAt  time.Time           `json:"createdAt"`
	Settings   settings.Settings   `json:"settings"`
	Enabled    bool                `json:"enabled"`
	APIKeys    map[string]string   `json:"apiKeys"`
	LocalUsers []storage.LocalUser `json:"localUsers"`
}

// Take reads the current local state from db.
func Take(ctx context.Context, db *sql.DB) (*Snapshot, error) {
	store := storage.NewSettingsStore(db)
	s, _, err := store.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	enabled, _, err := store.LoadEnabled(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := store.LoadAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	users, err := storage.ListLocalUsers(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:    version,
		CreatedAt:  time.Now().UTC(),
		Settings:   s,
		Enabled:    enabled,
		APIKeys:    keys,
		LocalUsers: users,
	}, nil
}

// Restore writes snap into db in one transaction, so a failed restore leaves
// the previous state intact. Local users are upserted by username; the
// remote session is not part of a backup and is left as is.
func Restore(ctx context.Context, db *sql.DB, snap *Snapshot) error {
	if err := snap.Settings.Validate(); err != nil {
		return fmt.Errorf("backup settings: %w", err)
	}
	keys := snap.APIKeys
	if keys == nil {
		keys = map[string]string{}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	if err := storage.PutJSON(ctx, tx, storage.KeySettings, snap.Settings); err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, tx, storage.KeyEnabled, snap.Enabled); err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, tx, storage.KeyAPIKeys, keys); err != nil {
		return err
	}
	for _, u := range snap.LocalUsers {
		if err := storage.UpsertLocalUser(ctx, tx, u); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

// Export writes a compressed snapshot of db to w.
func Export(ctx context.Context, db *sql.DB, w io.Writer) error {
	snap, err := Take(ctx, db)
	if err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Import reads a backup from r and restores it into db.
func Import(ctx context.Context, db *sql.DB, r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return snap, Restore(ctx, db, snap)
}

// Encode serialises snap into the backup file format.
func Encode(snap *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("backup: encode: %w", err)
	}
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: compress: %w", err)
	}

	out := make([]byte, headerSize, headerSize+n)
	copy(out, Magic)
	binary.LittleEndian.PutUint32(out[len(Magic):headerSize], uint32(len(raw)))
	return append(out, buf[:n]...), nil
}

// Decode parses the backup file format.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("backup: data too short (%d bytes)", len(data))
	}
	for i := range Magic {
		if data[i] != Magic[i] {
			return nil, fmt.Errorf("backup: invalid header magic")
		}
	}

	size := binary.LittleEndian.Uint32(data[len(Magic):headerSize])
	if size > maxPayload {
		return nil, fmt.Errorf("backup: payload of %d bytes too large", size)
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("backup: decompress failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(dst[:n], &snap); err != nil {
		return nil, fmt.Errorf("backup: decode: %w", err)
	}
	if snap.Version != version {
		return nil, fmt.Errorf("backup: unsupported version %d", snap.Version)
	}
	return &snap, nil
}
