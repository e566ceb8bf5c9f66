package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
)

// errNoSnapshot distinguishes "nothing saved yet" (start empty, not an
// error) from a corrupt blob (logged, then start empty).
var errNoSnapshot = errors.New("no snapshot")

// BlobStore is the durable store boundary: write a blob under a key,
// read the latest blob back. Nothing else is assumed of the backend.
type BlobStore interface {
	Save(key string, blob []byte) error
	Load(key string) ([]byte, error)
}

// gameSnapshot is the durable form of one game's state, captured at a
// known sequence number with ledger and charge state from the same
// consistency point.
type gameSnapshot struct {
	Seq     uint64        `json:"seq"`
	TakenAt time.Time     `json:"takenAt"`
	Roster  []RosterEntry `json:"roster"`
	Scores  []ScoreRecord `json:"scores"`
	Charges []ChargeState `json:"charges"`
}

func encodeSnapshot(snap *gameSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decodeSnapshot(blob []byte) (*gameSnapshot, error) {
	var snap gameSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	return &snap, nil
}

// newBlobStore picks the configured backend, or nil when snapshots are
// disabled.
func newBlobStore(cfg *Config) (BlobStore, error) {
	switch {
	case cfg.snapshotDir != "":
		return newFileStore(cfg.snapshotDir)
	case cfg.snapshotDSN != "":
		return newPostgresStore(cfg.snapshotDSN)
	default:
		return nil, nil
	}
}

// fileStore keeps one file per key, replaced atomically via rename so a
// crash mid-write never leaves a torn blob behind.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir}, nil
}

func (fs *fileStore) path(key string) string {
	return filepath.Join(fs.dir, key+".json")
}

func (fs *fileStore) Save(key string, blob []byte) error {
	tmp, err := os.CreateTemp(fs.dir, key+".*.tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), fs.path(key))
}

func (fs *fileStore) Load(key string) ([]byte, error) {
	blob, err := os.ReadFile(fs.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// postgresStore keeps the latest blob per key in a single upsert table.
type postgresStore struct {
	db *sql.DB
}

func newPostgresStore(dsn string) (*postgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			key      text PRIMARY KEY,
			blob     bytea NOT NULL,
			saved_at timestamptz NOT NULL DEFAULT now()
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &postgresStore{db: db}, nil
}

func (ps *postgresStore) Save(key string, blob []byte) error {
	_, err := ps.db.Exec(`
		INSERT INTO snapshots (key, blob, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, saved_at = now()
	`, key, blob)
	return err
}

func (ps *postgresStore) Load(key string) ([]byte, error) {
	var blob []byte
	err := ps.db.QueryRow(`SELECT blob FROM snapshots WHERE key = $1`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}
