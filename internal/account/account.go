// Package account implements the credential pool: account records, health
// scoring, sticky selection and token/project resolution.
package account

import (
	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Source describes how an account obtains access tokens.
type Source string

const (
	SourceOAuth    Source = "oauth"
	SourceDatabase Source = "database"
	SourceManual   Source = "manual"
)

// Stats tracks request outcomes for one account.
type Stats struct {
	SuccessCount  int64 `json:"successCount"`
	ErrorCount    int64 `json:"errorCount"`
	LastSuccessAt int64 `json:"lastSuccessAt,omitempty"`
	LastFailureAt int64 `json:"lastFailureAt,omitempty"`
}

// Account is one backing credential in the pool.
type Account struct {
	Email  string `json:"email"`
	Source Source `json:"source"`

	// Credential material, by source
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DBPath       string `json:"dbPath,omitempty"`

	// Optional project override
	ProjectID string `json:"projectId,omitempty"`

	IsRateLimited      bool   `json:"isRateLimited"`
	RateLimitResetTime *int64 `json:"rateLimitResetTime,omitempty"`

	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`

	LastUsed int64 `json:"lastUsed,omitempty"`
	Stats    Stats `json:"stats"`

	// Derived fields, recomputed on every state change
	HealthScore int  `json:"healthScore"`
	Recommended bool `json:"recommended"`
}

// IsAvailable reports whether the account can serve a request right now.
func (a *Account) IsAvailable() bool {
	return !a.IsRateLimited && !a.IsInvalid
}

// RemainingCooldownMs returns how long until the rate limit expires, or 0.
func (a *Account) RemainingCooldownMs(now int64) int64 {
	if !a.IsRateLimited || a.RateLimitResetTime == nil {
		return 0
	}
	remaining := *a.RateLimitResetTime - now
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Rescore recomputes the health score from the account's current state.
// The score combines a state weight (invalid/limited/ok), success and
// error ratios, and cooldown proximity.
func (a *Account) Rescore(now int64, defaultCooldownMs int64) {
	var stateWeight float64
	switch {
	case a.IsInvalid:
		stateWeight = -50
	case a.IsRateLimited:
		stateWeight = -20
	default:
		stateWeight = 30
	}

	total := a.Stats.SuccessCount + a.Stats.ErrorCount
	if total < 1 {
		total = 1
	}
	usageRatio := float64(a.Stats.SuccessCount) / float64(total)
	errorRatio := float64(a.Stats.ErrorCount) / float64(total)

	cooldownFactor := 1.0
	if a.IsRateLimited {
		remaining := float64(a.RemainingCooldownMs(now))
		frac := remaining / float64(defaultCooldownMs)
		if frac > 1 {
			frac = 1
		}
		cooldownFactor = utils.ClampFloat(1-frac, 0, 1)
	}

	score := stateWeight + (1-usageRatio)*30 + (1-errorRatio)*20 + cooldownFactor*10
	a.HealthScore = int(utils.ClampFloat(score, config.HealthScoreMin, config.HealthScoreMax))
}

// Hydrate fills defaults for fields missing from a loaded record.
func (a *Account) Hydrate() {
	if a.Source == "" {
		a.Source = SourceOAuth
	}
	if a.IsRateLimited && a.RateLimitResetTime == nil {
		// Reset-time coupling: a limited account always carries a reset
		a.IsRateLimited = false
	}
}
