package internal

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinAPIKeyLength is the shortest key accepted by CreateAPIKey
const MinAPIKeyLength = 16

// GenerateAPIKey generates a random API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// CreateAPIKey stores a bcrypt hash of key under name
func CreateAPIKey(name, key string) (*APIKey, error) {
	if name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if len(key) < MinAPIKeyLength {
		return nil, fmt.Errorf("key must be at least %d characters", MinAPIKeyLength)
	}

	// bcrypt only looks at the first 72 bytes
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash key: %w", err)
	}

	apiKey := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   string(hashed),
		CreatedAt: time.Now(),
	}

	_, err = db.Exec(
		"INSERT INTO api_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)",
		apiKey.ID, apiKey.Name, apiKey.KeyHash, apiKey.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key: %w", err)
	}
	return apiKey, nil
}

// ListAPIKeys returns all keys without verifying anything
func ListAPIKeys() ([]APIKey, error) {
	rows, err := db.Query("SELECT id, name, key_hash, created_at, last_used FROM api_keys ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var createdAt int64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		key.CreatedAt = time.Unix(createdAt, 0)
		if lastUsed.Valid {
			t := time.Unix(lastUsed.Int64, 0)
			key.LastUsed = &t
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// HasAPIKeys reports whether any key exists. Without keys the protected routes are open.
func HasAPIKeys() (bool, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM api_keys").Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// VerifyAPIKey finds the stored key matching the presented one
func VerifyAPIKey(presented string) (*APIKey, error) {
	if presented == "" {
		return nil, fmt.Errorf("no key presented")
	}
	keys, err := ListAPIKeys()
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if bcrypt.CompareHashAndPassword([]byte(keys[i].KeyHash), []byte(presented)) == nil {
			if _, err := db.Exec("UPDATE api_keys SET last_used = ? WHERE id = ?", time.Now().Unix(), keys[i].ID); err != nil {
				return nil, fmt.Errorf("failed to update key usage: %w", err)
			}
			return &keys[i], nil
		}
	}
	return nil, fmt.Errorf("key not recognized")
}

// DeleteAPIKey removes the key with the given name
func DeleteAPIKey(name string) error {
	res, err := db.Exec("DELETE FROM api_keys WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key '%s' not found", name)
	}
	return nil
}
