// Package store persists the credential pool document (accounts.json) and
// manages configuration backups.
package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/poemonsense/cloudcode-gateway/internal/account"
	"github.com/poemonsense/cloudcode-gateway/internal/auth"
	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Document is the on-disk shape of accounts.json.
type Document struct {
	Accounts    []*account.Account `json:"accounts"`
	Settings    account.Settings   `json:"settings"`
	ActiveIndex int                `json:"activeIndex"`
}

// Store reads and writes the credential pool document. Writes are
// serialized through a single writer goroutine so concurrent persist
// calls never interleave; they are best-effort and never block callers
// beyond queueing.
type Store struct {
	path    string
	writeCh chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewStore creates a store for the given document path (defaults to the
// configured accounts path when empty).
func NewStore(path string) *Store {
	if path == "" {
		path = config.AccountConfigPath
	}
	s := &Store{
		path:    path,
		writeCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for data := range s.writeCh {
		if err := utils.EnsureParentDir(s.path); err != nil {
			utils.Warn("[Store] Failed to create state directory: %v", err)
			continue
		}
		if err := os.WriteFile(s.path, data, 0644); err != nil {
			utils.Warn("[Store] Failed to persist accounts: %v", err)
		}
	}
}

// Load reads and hydrates the document. When no document exists it falls
// back to a single "default" account extracted from the local credential
// database; if that also fails the returned document has no accounts.
func (s *Store) Load() (*Document, error) {
	doc := &Document{
		Settings: account.DefaultSettings(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			utils.Warn("[Store] Failed to read %s: %v", s.path, err)
		}
		if fallback := s.defaultAccount(); fallback != nil {
			doc.Accounts = []*account.Account{fallback}
		}
		return doc, nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}

	doc.Settings.Hydrate()
	for _, acc := range doc.Accounts {
		acc.Hydrate()
	}
	if doc.ActiveIndex < 0 || doc.ActiveIndex >= len(doc.Accounts) {
		doc.ActiveIndex = 0
	}

	return doc, nil
}

// defaultAccount extracts a single database-source account from the local
// credential database. Synchronous; returns nil when extraction fails.
func (s *Store) defaultAccount() *account.Account {
	cred, err := auth.ExtractCredential(context.Background(), "")
	if err != nil {
		utils.Warn("[Store] No accounts configured and default extraction failed: %v", err)
		return nil
	}

	email := cred.Email
	if email == "" {
		email = "default"
	}
	utils.Info("[Store] Using default account %s from local credential database", utils.MaskEmail(email))

	acc := &account.Account{
		Email:  email,
		Source: account.SourceDatabase,
		DBPath: config.StateDBPath,
	}
	acc.Rescore(utils.NowMs(), account.DefaultSettings().CooldownDurationMs)
	return acc
}

// Persist queues a best-effort write of the document. Dropped (with a
// warning) when the write queue is full or the store is closed.
func (s *Store) Persist(doc *Document) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		utils.Warn("[Store] Failed to encode accounts: %v", err)
		return
	}

	select {
	case s.writeCh <- data:
	default:
		utils.Warn("[Store] Persist queue full, dropping write")
	}
}

// PersistPool implements account.Persister.
func (s *Store) PersistPool(accounts []*account.Account, settings account.Settings, activeIndex int) {
	s.Persist(&Document{Accounts: accounts, Settings: settings, ActiveIndex: activeIndex})
}

// Close drains pending writes and stops the writer.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.writeCh)
	})
	<-s.done
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}
