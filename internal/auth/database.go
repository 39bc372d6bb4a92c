package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/poemonsense/cloudcode-gateway/internal/config"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// dbExtractTimeout bounds the local database read.
const dbExtractTimeout = 5 * time.Second

// DatabaseCredential is the auth record stored in the local editor state
// database.
type DatabaseCredential struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ExtractCredential reads the auth record from the local state database.
// The database is opened read-only and the whole extraction runs under a
// 5 second budget.
func ExtractCredential(ctx context.Context, dbPath string) (*DatabaseCredential, error) {
	if dbPath == "" {
		dbPath = config.StateDBPath
	}

	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credential database not found at %s; log in to the desktop app first", dbPath)
	}

	ctx, cancel := context.WithTimeout(ctx, dbExtractTimeout)
	defer cancel()

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in credential database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential database: %w", err)
	}

	var cred DatabaseCredential
	if err := json.Unmarshal([]byte(value), &cred); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}

	if cred.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}

	return &cred, nil
}

// IsDatabaseAccessible checks whether the credential database exists and
// can be opened.
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.StateDBPath
	}

	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dbExtractTimeout)
	defer cancel()
	return db.PingContext(ctx) == nil
}
