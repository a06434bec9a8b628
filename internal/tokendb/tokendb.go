// Package tokendb manages the persistent access-token table used to
// gate incoming requests when token authentication is enabled. Uses
// pure-Go SQLite (modernc.org/sqlite), so no cgo is required.
package tokendb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Access tokens are 93 random bytes, url-safe encoded to 124 chars.
const tokenEntropyBytes = 93

// Store wraps the on-disk access-token database.
type Store struct {
	db *sql.DB
}

// Entry is one access-token row. The token itself is never stored.
type Entry struct {
	ID                int64
	CreationTimestamp int64
	TokenHash         string
	Enabled           bool
}

// Open opens (or creates) the token database at the given path.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS access_tokens (
			entry_id           INTEGER PRIMARY KEY,
			creation_timestamp INTEGER NOT NULL,
			token_hash         TEXT NOT NULL,
			enabled            INTEGER NOT NULL DEFAULT 1
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddEntry generates a fresh access token and stores its digest.
// The plaintext token is returned exactly once; disabled entries can be
// enabled later with EnableEntry.
func (s *Store) AddEntry(disabled bool) (entryID int64, createdAt int64, token string, err error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return 0, 0, "", fmt.Errorf("generate access token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	createdAt = time.Now().Unix()

	enabled := 1
	if disabled {
		enabled = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, "", err
	}
	res, err := tx.Exec(`
		INSERT INTO access_tokens (creation_timestamp, token_hash, enabled)
		VALUES (?, ?, ?)
	`, createdAt, hashToken(token), enabled)
	if err != nil {
		tx.Rollback()
		return 0, 0, "", fmt.Errorf("insert token entry: %w", err)
	}
	entryID, err = res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, 0, "", err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, "", err
	}
	return entryID, createdAt, token, nil
}

// GetEntryID returns the row id for an enabled token, matching by
// digest. The bool result reports whether such a row exists.
func (s *Store) GetEntryID(token string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT entry_id FROM access_tokens WHERE token_hash = ? AND enabled = 1`,
		hashToken(token),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// GetEntry returns a row by id, or nil if absent.
func (s *Store) GetEntry(entryID int64) (*Entry, error) {
	var e Entry
	var enabled int
	err := s.db.QueryRow(`
		SELECT entry_id, creation_timestamp, token_hash, enabled
		FROM access_tokens WHERE entry_id = ?
	`, entryID).Scan(&e.ID, &e.CreationTimestamp, &e.TokenHash, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Enabled = enabled != 0
	return &e, nil
}

// ListEntries returns all rows.
func (s *Store) ListEntries() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT entry_id, creation_timestamp, token_hash, enabled
		FROM access_tokens ORDER BY entry_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var enabled int
		if err := rows.Scan(&e.ID, &e.CreationTimestamp, &e.TokenHash, &enabled); err != nil {
			return nil, err
		}
		e.Enabled = enabled != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EnableEntry sets the enabled flag on a row.
func (s *Store) EnableEntry(entryID int64) error {
	return s.setEnabled(entryID, 1)
}

// DisableEntry clears the enabled flag on a row.
func (s *Store) DisableEntry(entryID int64) error {
	return s.setEnabled(entryID, 0)
}

func (s *Store) setEnabled(entryID int64, enabled int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE access_tokens SET enabled = ? WHERE entry_id = ?`, enabled, entryID)
	if err != nil {
		tx.Rollback()
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return fmt.Errorf("token entry %d not found", entryID)
	}
	return tx.Commit()
}

// DeleteEntry removes a row by id.
func (s *Store) DeleteEntry(entryID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM access_tokens WHERE entry_id = ?`, entryID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
