// Package creddb stores per-session container credentials for the
// lifetime of the server process. It is backed by an in-memory SQLite
// database (modernc.org/sqlite, no cgo); only SHA-256 digests of the
// container UUID and client token are ever stored.
package creddb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Client tokens are 191 random bytes, url-safe encoded to 255 chars.
const tokenEntropyBytes = 191

var memdbCounter int64

// Store is the in-memory session credential table.
type Store struct {
	db *sql.DB
}

// Entry is one credential row. Only digests are held, never plaintext.
type Entry struct {
	ID                int64
	CreationTimestamp int64
	ContainerUUIDHash string
	ClientTokenHash   string
}

// Open creates a fresh in-memory credential store.
func Open() (*Store, error) {
	// A named shared-cache DSN keeps the memory database alive across
	// database/sql's connection management; one open connection
	// serializes writers.
	dsn := fmt.Sprintf("file:creddb%d?mode=memory&cache=shared", atomic.AddInt64(&memdbCounter, 1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS session_credentials (
			entry_id            INTEGER PRIMARY KEY,
			creation_timestamp  INTEGER NOT NULL,
			container_uuid_hash TEXT NOT NULL UNIQUE,
			client_token_hash   TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate credential database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddEntry generates a fresh client token for the container and records
// the digest pair. It fails if a row already exists for the UUID.
func (s *Store) AddEntry(containerUUID string) (entryID int64, createdAt int64, token string, err error) {
	var existing int64
	err = s.db.QueryRow(
		`SELECT entry_id FROM session_credentials WHERE container_uuid_hash = ?`,
		hashString(containerUUID),
	).Scan(&existing)
	if err == nil {
		return 0, 0, "", fmt.Errorf("credential entry already exists for container %s", containerUUID)
	}
	if err != sql.ErrNoRows {
		return 0, 0, "", fmt.Errorf("check existing entry: %w", err)
	}

	token, err = newClientToken()
	if err != nil {
		return 0, 0, "", err
	}
	createdAt = time.Now().Unix()

	res, err := s.db.Exec(`
		INSERT INTO session_credentials (creation_timestamp, container_uuid_hash, client_token_hash)
		VALUES (?, ?, ?)
	`, createdAt, hashString(containerUUID), hashString(token))
	if err != nil {
		return 0, 0, "", fmt.Errorf("insert credential entry: %w", err)
	}

	entryID, err = res.LastInsertId()
	if err != nil {
		return 0, 0, "", fmt.Errorf("insert credential entry: %w", err)
	}
	return entryID, createdAt, token, nil
}

// GetEntryID looks up the row matching both the container UUID and the
// client token. The bool result reports whether a row was found.
func (s *Store) GetEntryID(containerUUID, clientToken string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`
		SELECT entry_id FROM session_credentials
		WHERE container_uuid_hash = ? AND client_token_hash = ?
	`, hashString(containerUUID), hashString(clientToken)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// GetContainerUUIDEntryID looks up the row for a container UUID alone.
func (s *Store) GetContainerUUIDEntryID(containerUUID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT entry_id FROM session_credentials WHERE container_uuid_hash = ?`,
		hashString(containerUUID),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// DeleteEntry removes a row by id. Deleting a missing row is not an
// error.
func (s *Store) DeleteEntry(entryID int64) error {
	_, err := s.db.Exec(`DELETE FROM session_credentials WHERE entry_id = ?`, entryID)
	return err
}

// ListEntries returns all rows.
func (s *Store) ListEntries() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT entry_id, creation_timestamp, container_uuid_hash, client_token_hash
		FROM session_credentials ORDER BY entry_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CreationTimestamp, &e.ContainerUUIDHash, &e.ClientTokenHash); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HashString exposes the digest form used by the table so callers can
// compare tokens they hold against stored rows.
func HashString(s string) string {
	return hashString(s)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newClientToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
