package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/raine/estate-client/internal/session"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SessionKey is the key the API client persists the active token pair under.
const SessionKey = "session"

// TokenStore persists token pairs across process restarts.
type TokenStore interface {
	// Get returns nil, nil if nothing is stored under key.
	Get(ctx context.Context, key string) (*session.TokenPair, error)
	Set(ctx context.Context, key string, tokens session.TokenPair) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// StoredTokens is a token pair together with its bookkeeping metadata.
type StoredTokens struct {
	Key         string
	Tokens      session.TokenPair
	LastUpdated time.Time
}

// SQLiteStore implements TokenStore using SQLite with encrypted tokens.
type SQLiteStore struct {
	db     *sql.DB
	sealer *sealer
	mu     sync.RWMutex
}

var _ TokenStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-based token store.
// The dbPath is the path to the SQLite database file. The encryption key is
// derived from passphrase with the salt stored in the database, which is
// created on first use.
func NewSQLiteStore(dbPath, passphrase string) (*SQLiteStore, error) {
	// WAL mode and busy timeout so the CLI and a keep-alive process can share the file
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(passphrase); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
	}

	return store, nil
}

func (s *SQLiteStore) init(passphrase string) error {
	query := `
	CREATE TABLE IF NOT EXISTS tokens (
		key TEXT PRIMARY KEY,
		encrypted_tokens TEXT NOT NULL,
		last_updated DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	salt, err := s.keySalt()
	if err != nil {
		return err
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	if s.sealer, err = newSealer(key); err != nil {
		return err
	}
	return nil
}

// keySalt returns the database's key derivation salt, creating it if this is
// a new database. INSERT OR IGNORE keeps the first salt when two processes
// initialize the same file.
func (s *SQLiteStore) keySalt() ([]byte, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (name, value) VALUES ('key_salt', ?)", salt); err != nil {
		return nil, fmt.Errorf("failed to store key salt: %w", err)
	}

	var stored []byte
	if err := s.db.QueryRow("SELECT value FROM meta WHERE name = 'key_salt'").Scan(&stored); err != nil {
		return nil, fmt.Errorf("failed to read key salt: %w", err)
	}
	return stored, nil
}

// Get retrieves the token pair stored under key.
// Returns nil, nil if the key doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*session.TokenPair, error) {
	stored, err := s.getStored(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &stored.Tokens, nil
}

// GetStored is like Get but also returns when the entry was last written.
func (s *SQLiteStore) GetStored(ctx context.Context, key string) (*StoredTokens, error) {
	return s.getStored(ctx, key)
}

func (s *SQLiteStore) getStored(ctx context.Context, key string) (*StoredTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encryptedTokens string
	var lastUpdated time.Time

	err := s.db.QueryRowContext(ctx,
		"SELECT encrypted_tokens, last_updated FROM tokens WHERE key = ?",
		key,
	).Scan(&encryptedTokens, &lastUpdated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}

	tokensJSON, err := s.sealer.open(key, encryptedTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt tokens: %w", err)
	}

	var tokens session.TokenPair
	if err := json.Unmarshal(tokensJSON, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}

	return &StoredTokens{
		Key:         key,
		Tokens:      tokens,
		LastUpdated: lastUpdated,
	}, nil
}

// Set stores or replaces the token pair under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, tokens session.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	encryptedTokens, err := s.sealer.seal(key, tokensJSON)
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (key, encrypted_tokens, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			encrypted_tokens = excluded.encrypted_tokens,
			last_updated = excluded.last_updated
	`, key, encryptedTokens, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	return nil
}

// Remove deletes the token pair stored under key. Removing a missing key is
// not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
