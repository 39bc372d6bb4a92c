package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// BackupInfo describes one stored backup folder.
type BackupInfo struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	CreatedAt string   `json:"createdAt"`
	Files     []string `json:"files"`
}

// CreateBackup copies the runtime config and the accounts document into a
// timestamped folder under the backup directory, then prunes old backups.
func CreateBackup(label string) (*BackupInfo, error) {
	id := time.Now().UTC().Format("20060102-150405")
	if label != "" {
		id = id + "-" + sanitizeLabel(label)
	}
	dir := filepath.Join(config.BackupDir, id)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	info := &BackupInfo{
		ID:        id,
		Label:     label,
		CreatedAt: utils.NowISO(),
	}

	sources := map[string]string{
		"config.json":   config.ConfigFilePath,
		"accounts.json": config.AccountConfigPath,
	}
	for name, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			// A missing source file is not fatal; back up what exists
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write backup file %s: %w", name, err)
		}
		info.Files = append(info.Files, name)
	}
	sort.Strings(info.Files)

	if err := pruneBackups(config.BackupKeepCount); err != nil {
		utils.Warn("[Store] Failed to prune backups: %v", err)
	}

	utils.Info("[Store] Created backup %s (%d files)", id, len(info.Files))
	return info, nil
}

// ListBackups enumerates stored backups, newest first.
func ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(config.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := BackupInfo{ID: entry.Name()}
		if fi, err := entry.Info(); err == nil {
			info.CreatedAt = fi.ModTime().UTC().Format(time.RFC3339)
		}
		files, _ := os.ReadDir(filepath.Join(config.BackupDir, entry.Name()))
		for _, f := range files {
			if !f.IsDir() {
				info.Files = append(info.Files, f.Name())
			}
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ID > backups[j].ID
	})
	return backups, nil
}

// pruneBackups keeps the newest keep folders and removes the rest.
func pruneBackups(keep int) error {
	backups, err := ListBackups()
	if err != nil {
		return err
	}
	for i := keep; i < len(backups); i++ {
		if err := os.RemoveAll(filepath.Join(config.BackupDir, backups[i].ID)); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeLabel(label string) string {
	out := make([]rune, 0, len(label))
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
		if len(out) >= 40 {
			break
		}
	}
	return string(out)
}
