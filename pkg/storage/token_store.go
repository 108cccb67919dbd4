// Package storage persists the client's bearer token across process restarts.
package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no usable token is stored under a key.
var ErrNotFound = errors.New("no valid token found")

// TokenStore keeps AES-256-GCM encrypted tokens in SQLite, one per key.
type TokenStore struct {
	db        *sql.DB
	secretKey []byte
	mu        sync.Mutex
}

// Record is a stored token.
type Record struct {
	Key       string
	Token     string
	ExpiresAt time.Time // zero = no expiry
	UpdatedAt time.Time
}

// NewTokenStore opens (or creates) the token database at dbPath.
func NewTokenStore(dbPath string, secretKeyBase string) (*TokenStore, error) {
	if secretKeyBase == "" {
		return nil, fmt.Errorf("secret key base is required for token encryption")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per-connection; keep a single one.
	db.SetMaxOpenConns(1)

	sum := sha256.Sum256([]byte(secretKeyBase))

	store := &TokenStore{
		db:        db,
		secretKey: sum[:],
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (ts *TokenStore) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS tokens (
			key TEXT PRIMARY KEY,
			encrypted_token TEXT NOT NULL,
			expires_at DATETIME,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := ts.db.Exec(query)
	return err
}

func (ts *TokenStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(ts.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (ts *TokenStore) decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(ts.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Save encrypts token and stores it under key, replacing any previous value.
// A zero expiresAt means the token does not expire.
func (ts *TokenStore) Save(key, token string, expiresAt time.Time) error {
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	if !expiresAt.IsZero() && expiresAt.Before(time.Now()) {
		return fmt.Errorf("token already expired at %s", expiresAt)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	encryptedToken, err := ts.encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	var exp sql.NullTime
	if !expiresAt.IsZero() {
		exp = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO tokens (key, encrypted_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			encrypted_token = excluded.encrypted_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	if _, err := ts.db.Exec(query, key, encryptedToken, exp, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// Load returns the token stored under key. Expired tokens are reported as
// ErrNotFound.
func (ts *TokenStore) Load(key string) (string, time.Time, error) {
	rec, err := ts.Get(key)
	if err != nil {
		return "", time.Time{}, err
	}

	if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(time.Now()) {
		return "", time.Time{}, ErrNotFound
	}

	return rec.Token, rec.ExpiresAt, nil
}

// Get returns the record under key regardless of expiry.
func (ts *TokenStore) Get(key string) (*Record, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	query := `
		SELECT encrypted_token, expires_at, updated_at
		FROM tokens
		WHERE key = ?
	`

	var (
		encryptedToken string
		expiresAt      sql.NullTime
		updatedAt      time.Time
	)

	err := ts.db.QueryRow(query, key).Scan(&encryptedToken, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}

	token, err := ts.decrypt(encryptedToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}

	rec := &Record{Key: key, Token: token, UpdatedAt: updatedAt}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}

	return rec, nil
}

// Delete removes the token stored under key. Deleting a missing key is not an error.
func (ts *TokenStore) Delete(key string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, err := ts.db.Exec(`DELETE FROM tokens WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	return nil
}

// CleanupExpiredTokens removes expired tokens from the database
func (ts *TokenStore) CleanupExpiredTokens() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	query := `DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at < ?`
	if _, err := ts.db.Exec(query, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}

	return nil
}

// List returns all stored records, most recently updated first.
func (ts *TokenStore) List() ([]Record, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	rows, err := ts.db.Query(`SELECT key, encrypted_token, expires_at, updated_at FROM tokens ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var (
			rec       Record
			encrypted string
			expiresAt sql.NullTime
		)

		if err := rows.Scan(&rec.Key, &encrypted, &expiresAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}

		if rec.Token, err = ts.decrypt(encrypted); err != nil {
			return nil, fmt.Errorf("failed to decrypt token %q: %w", rec.Key, err)
		}

		if expiresAt.Valid {
			rec.ExpiresAt = expiresAt.Time
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (ts *TokenStore) Close() error {
	return ts.db.Close()
}
