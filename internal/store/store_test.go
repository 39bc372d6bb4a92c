package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-gateway/internal/account"
	"github.com/poemonsense/cloudcode-gateway/internal/config"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	t.Cleanup(s.Close)
	return s
}

func TestLoadHydratesDocument(t *testing.T) {
	s := newTempStore(t)

	doc := &Document{
		Accounts: []*account.Account{
			{Email: "a@example.com"},
			{Email: "b@example.com", IsRateLimited: true},
		},
		ActiveIndex: 9,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0644))

	loaded, err := s.Load()
	require.NoError(t, err)

	// Settings pick up defaults, the index clamps, accounts hydrate
	assert.Equal(t, account.DefaultSettings(), loaded.Settings)
	assert.Equal(t, 0, loaded.ActiveIndex)
	assert.Equal(t, account.SourceOAuth, loaded.Accounts[0].Source)
	// Rate-limit flag without a reset time is dropped
	assert.False(t, loaded.Accounts[1].IsRateLimited)
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	s := newTempStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))

	_, err := s.Load()
	assert.Error(t, err)
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	s := NewStore(path)

	doc := &Document{
		Accounts:    []*account.Account{{Email: "a@example.com", Source: account.SourceOAuth}},
		Settings:    account.DefaultSettings(),
		ActiveIndex: 0,
	}
	s.Persist(doc)
	s.Close() // drains the write queue

	loaded := NewStore(path)
	defer loaded.Close()
	got, err := loaded.Load()
	require.NoError(t, err)
	require.Len(t, got.Accounts, 1)
	assert.Equal(t, "a@example.com", got.Accounts[0].Email)
}

var _ account.Persister = (*Store)(nil)

func TestCreateAndListBackups(t *testing.T) {
	tmp := t.TempDir()
	origBackupDir := config.BackupDir
	origConfigPath := config.ConfigFilePath
	origAccountPath := config.AccountConfigPath
	t.Cleanup(func() {
		config.BackupDir = origBackupDir
		config.ConfigFilePath = origConfigPath
		config.AccountConfigPath = origAccountPath
	})
	config.BackupDir = filepath.Join(tmp, "backups")
	config.ConfigFilePath = filepath.Join(tmp, "config.json")
	config.AccountConfigPath = filepath.Join(tmp, "accounts.json")

	require.NoError(t, os.WriteFile(config.ConfigFilePath, []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(config.AccountConfigPath, []byte(`{"accounts":[]}`), 0644))

	info, err := CreateBackup("before upgrade")
	require.NoError(t, err)
	assert.Contains(t, info.ID, "before-upgrade")
	assert.Equal(t, []string{"accounts.json", "config.json"}, info.Files)

	backups, err := ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, info.ID, backups[0].ID)
}

func TestCreateBackupToleratesMissingSources(t *testing.T) {
	tmp := t.TempDir()
	origBackupDir := config.BackupDir
	origConfigPath := config.ConfigFilePath
	origAccountPath := config.AccountConfigPath
	t.Cleanup(func() {
		config.BackupDir = origBackupDir
		config.ConfigFilePath = origConfigPath
		config.AccountConfigPath = origAccountPath
	})
	config.BackupDir = filepath.Join(tmp, "backups")
	config.ConfigFilePath = filepath.Join(tmp, "missing-config.json")
	config.AccountConfigPath = filepath.Join(tmp, "missing-accounts.json")

	info, err := CreateBackup("")
	require.NoError(t, err)
	assert.Empty(t, info.Files)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "before-upgrade", sanitizeLabel("before upgrade"))
	assert.Equal(t, "a_b-c", sanitizeLabel("a_b-c"))
	long := sanitizeLabel(string(make([]byte, 100)))
	assert.LessOrEqual(t, len(long), 40)
}
