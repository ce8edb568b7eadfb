package memory

// store.go - durable snapshot of the shared document.
//
// The snapshot is the document's full update, brotli-compressed, held in a
// single-row key/value table of an embedded SQLite database. Each Save
// replaces the previous snapshot.

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("meshclaw/memory")

const snapshotKey = "state"

// Store is a Doc backed by a persistent snapshot.
type Store struct {
	*Doc
	db *sql.DB
}

// Open opens (or creates) the database at path and restores the document
// from its snapshot. A corrupt snapshot is logged and skipped; failing to
// open or read the database is an error.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory open: create dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory open: ping: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory open: migrate: %w", err)
	}

	s := &Store{Doc: NewDoc(), db: db}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) restore() error {
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, snapshotKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory open: read snapshot: %w", err)
	}

	update, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		log.Warnf("ignoring unreadable snapshot: %v", err)
		return nil
	}
	if err := s.ApplyUpdate(update); err != nil {
		log.Warnf("ignoring corrupt snapshot: %v", err)
		return nil
	}
	log.Infof("restored %d keys from snapshot", s.Len())
	return nil
}

// Save writes the current document as the snapshot.
func (s *Store) Save() error {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(s.Update()); err != nil {
		return fmt.Errorf("memory save: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("memory save: compress: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snapshotKey, buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("memory save: %w", err)
	}
	return nil
}

// Close closes the database without saving.
func (s *Store) Close() error {
	return s.db.Close()
}
