package account

import "github.com/poemonsense/cloudcode-gateway/internal/config"

// Settings are the pool-level tunables persisted alongside the accounts.
type Settings struct {
	// CooldownDurationMs applies when a rate limit carries no reset hint.
	CooldownDurationMs int64 `json:"cooldownDurationMs"`
	// StickyWindowMs is the affinity-lock window after a successful use.
	StickyWindowMs int64 `json:"stickyWindowMs"`
}

// DefaultSettings returns the built-in pool settings.
func DefaultSettings() Settings {
	return Settings{
		CooldownDurationMs: config.DefaultCooldownMs,
		StickyWindowMs:     config.DefaultStickyWindowMs,
	}
}

// Hydrate fills zero-valued fields with defaults.
func (s *Settings) Hydrate() {
	if s.CooldownDurationMs <= 0 {
		s.CooldownDurationMs = config.DefaultCooldownMs
	}
	if s.StickyWindowMs <= 0 {
		s.StickyWindowMs = config.DefaultStickyWindowMs
	}
}

// Persister receives best-effort snapshots of the pool state. The store
// implements it; writes must never block the caller.
type Persister interface {
	PersistPool(accounts []*Account, settings Settings, activeIndex int)
}
