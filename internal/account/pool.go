package account

import (
	"errors"
	"sort"
	"sync"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

var (
	// ErrEmptyPool means no usable credentials exist at all.
	ErrEmptyPool = errors.New("no accounts configured")
	// ErrAllUnavailable means every account is invalid or in a long cooldown.
	ErrAllUnavailable = errors.New("all accounts are rate-limited or invalid")
)

// SelectionResult is the outcome of PickSticky. Exactly one of Account or
// WaitMs is meaningful: a nil Account with WaitMs > 0 tells the caller to
// sleep and retry against the same account.
type SelectionResult struct {
	Account *Account
	WaitMs  int64
}

// FailureOpts qualifies a RecordFailure call.
type FailureOpts struct {
	// RateLimitMs, when non-nil, marks the account rate-limited with this
	// cooldown (0 means the pool default).
	RateLimitMs *int64
	// Invalidate marks the account invalid with Reason.
	Invalidate bool
	Reason     string
}

// Pool owns the in-memory account set and the sticky selection policy.
// All access goes through a single mutex; the lock is never held across
// upstream I/O.
type Pool struct {
	mu sync.Mutex

	accounts     []*Account
	currentIndex int
	settings     Settings

	// Affinity anchor, distinct from currentIndex
	lastUsedEmail string
	lastUsedAt    int64

	persister Persister
	now       func() int64
}

// NewPool builds a pool from a loaded document.
func NewPool(accounts []*Account, settings Settings, activeIndex int, persister Persister) *Pool {
	settings.Hydrate()
	if activeIndex < 0 || activeIndex >= len(accounts) {
		activeIndex = 0
	}
	p := &Pool{
		accounts:     accounts,
		currentIndex: activeIndex,
		settings:     settings,
		persister:    persister,
		now:          utils.NowMs,
	}
	now := p.now()
	for _, acc := range accounts {
		acc.Hydrate()
		acc.Rescore(now, settings.CooldownDurationMs)
	}
	p.updateRecommendedLocked()
	return p
}

// Size returns the number of accounts in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Settings returns the pool settings.
func (p *Pool) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// PickSticky selects an account per the layered policy: affinity lock,
// sticky current, wait-versus-switch, then best-available. A result with
// WaitMs > 0 and no account means "sleep, then call again".
func (p *Pool) PickSticky() (*SelectionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, ErrEmptyPool
	}

	now := p.now()
	p.clearExpiredLimitsLocked(now)

	// Rule 1: affinity lock. Keep routing to the most recently used
	// account while the window holds, even through a short cooldown.
	if p.lastUsedEmail != "" && now-p.lastUsedAt < p.settings.StickyWindowMs {
		if locked := p.findLocked(p.lastUsedEmail); locked != nil {
			if locked.IsAvailable() {
				p.touchLocked(locked, now)
				return &SelectionResult{Account: locked}, nil
			}
			if !locked.IsInvalid {
				if remaining := locked.RemainingCooldownMs(now); remaining > 0 && remaining <= config.ShortWaitThresholdMs {
					utils.Debug("[Pool] Affinity lock holding %s through %s cooldown",
						utils.MaskEmail(locked.Email), utils.FormatDuration(remaining))
					return &SelectionResult{WaitMs: remaining}, nil
				}
			}
		}
	}

	// Rule 2: sticky current
	current := p.accounts[p.currentIndex]
	if current.IsAvailable() {
		p.touchLocked(current, now)
		return &SelectionResult{Account: current}, nil
	}

	// Rule 3: wait-versus-switch on the current account's cooldown
	if !current.IsInvalid && current.IsRateLimited {
		remaining := current.RemainingCooldownMs(now)
		switch {
		case remaining == 0:
			// Expired between the lazy sweep and here; retry immediately
			return &SelectionResult{WaitMs: 0}, nil
		case remaining <= config.ShortWaitThresholdMs:
			return &SelectionResult{WaitMs: remaining}, nil
		case remaining <= config.MaxWaitBeforeErrorMs:
			if p.anyOtherAvailableLocked(current) {
				return p.pickNextLocked(now)
			}
			return &SelectionResult{WaitMs: remaining}, nil
		}
		// Long cooldown: never wait, try to switch
	}

	// Rule 4: best available by (healthScore, lastSuccessAt)
	return p.pickNextLocked(now)
}

// pickNextLocked picks the best available account, advances currentIndex
// and the affinity anchor, and persists.
func (p *Pool) pickNextLocked(now int64) (*SelectionResult, error) {
	type candidate struct {
		acc   *Account
		index int
	}
	candidates := make([]candidate, 0, len(p.accounts))
	for i, acc := range p.accounts {
		if acc.IsAvailable() {
			candidates = append(candidates, candidate{acc, i})
		}
	}
	if len(candidates) == 0 {
		return nil, ErrAllUnavailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].acc, candidates[j].acc
		if a.HealthScore != b.HealthScore {
			return a.HealthScore > b.HealthScore
		}
		return a.Stats.LastSuccessAt > b.Stats.LastSuccessAt
	})

	best := candidates[0]
	if best.index != p.currentIndex {
		utils.Info("[Pool] Switching to account %s (score %d)",
			utils.MaskEmail(best.acc.Email), best.acc.HealthScore)
	}
	p.currentIndex = best.index
	p.touchLocked(best.acc, now)
	p.persistLocked()
	return &SelectionResult{Account: best.acc}, nil
}

// touchLocked stamps usage and moves the affinity anchor.
func (p *Pool) touchLocked(acc *Account, now int64) {
	acc.LastUsed = now
	p.lastUsedEmail = acc.Email
	p.lastUsedAt = now
}

func (p *Pool) findLocked(email string) *Account {
	for _, acc := range p.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

func (p *Pool) anyOtherAvailableLocked(current *Account) bool {
	for _, acc := range p.accounts {
		if acc != current && acc.IsAvailable() {
			return true
		}
	}
	return false
}

// clearExpiredLimitsLocked lazily reconciles expired cooldowns.
func (p *Pool) clearExpiredLimitsLocked(now int64) {
	for _, acc := range p.accounts {
		if acc.IsRateLimited && acc.RemainingCooldownMs(now) == 0 {
			acc.IsRateLimited = false
			acc.RateLimitResetTime = nil
			acc.Rescore(now, p.settings.CooldownDurationMs)
			utils.Debug("[Pool] Cooldown expired for %s", utils.MaskEmail(acc.Email))
		}
	}
	p.updateRecommendedLocked()
}

// RecordSuccess marks a successful upstream call.
func (p *Pool) RecordSuccess(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.findLocked(email)
	if acc == nil {
		return
	}
	now := p.now()
	acc.Stats.SuccessCount++
	acc.Stats.LastSuccessAt = now
	acc.IsRateLimited = false
	acc.RateLimitResetTime = nil
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.Rescore(now, p.settings.CooldownDurationMs)
	p.updateRecommendedLocked()
	p.persistLocked()
}

// MarkRateLimited puts an account into cooldown. cooldownMs <= 0 uses the
// pool default.
func (p *Pool) MarkRateLimited(email string, cooldownMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markRateLimitedLocked(email, cooldownMs)
}

func (p *Pool) markRateLimitedLocked(email string, cooldownMs int64) {
	acc := p.findLocked(email)
	if acc == nil {
		return
	}
	if cooldownMs <= 0 {
		cooldownMs = p.settings.CooldownDurationMs
	}
	now := p.now()
	reset := now + cooldownMs
	acc.IsRateLimited = true
	acc.RateLimitResetTime = &reset
	acc.Stats.ErrorCount++
	acc.Stats.LastFailureAt = now
	acc.Rescore(now, p.settings.CooldownDurationMs)
	p.updateRecommendedLocked()
	p.persistLocked()
	utils.Warn("[Pool] Account %s rate-limited for %s",
		utils.MaskEmail(email), utils.FormatDuration(cooldownMs))
}

// MarkInvalid flags an account as unusable until re-enrollment.
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markInvalidLocked(email, reason)
}

func (p *Pool) markInvalidLocked(email, reason string) {
	acc := p.findLocked(email)
	if acc == nil {
		return
	}
	now := p.now()
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = now
	acc.Stats.ErrorCount++
	acc.Stats.LastFailureAt = now
	acc.Rescore(now, p.settings.CooldownDurationMs)
	p.updateRecommendedLocked()
	p.persistLocked()
	utils.Error("[Pool] Account %s marked invalid: %s. Re-enroll it to restore capacity.",
		utils.MaskEmail(email), reason)
}

// ClearInvalid lifts the invalid flag after a successful token refresh.
func (p *Pool) ClearInvalid(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.findLocked(email)
	if acc == nil || !acc.IsInvalid {
		return
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.Rescore(p.now(), p.settings.CooldownDurationMs)
	p.updateRecommendedLocked()
	p.persistLocked()
}

// RecordFailure applies a classified failure outcome.
func (p *Pool) RecordFailure(email string, opts FailureOpts) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.Invalidate {
		p.markInvalidLocked(email, opts.Reason)
		return
	}
	if opts.RateLimitMs != nil {
		p.markRateLimitedLocked(email, *opts.RateLimitMs)
		return
	}

	acc := p.findLocked(email)
	if acc == nil {
		return
	}
	now := p.now()
	acc.Stats.ErrorCount++
	acc.Stats.LastFailureAt = now
	acc.Rescore(now, p.settings.CooldownDurationMs)
	p.updateRecommendedLocked()
	p.persistLocked()
}

// AllRateLimited reports whether every account is currently in cooldown.
func (p *Pool) AllRateLimited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return false
	}
	for _, acc := range p.accounts {
		if !acc.IsRateLimited {
			return false
		}
	}
	return true
}

// ResetAllRateLimits clears every cooldown so the next request probes the
// upstream instead of refusing locally (optimistic reset).
func (p *Pool) ResetAllRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cleared := 0
	for _, acc := range p.accounts {
		if acc.IsRateLimited {
			acc.IsRateLimited = false
			acc.RateLimitResetTime = nil
			acc.Rescore(now, p.settings.CooldownDurationMs)
			cleared++
		}
	}
	if cleared > 0 {
		utils.Warn("[Pool] All accounts were rate-limited; optimistically cleared %d cooldowns", cleared)
		p.updateRecommendedLocked()
		p.persistLocked()
	}
}

// SoonestResetMs returns the smallest remaining cooldown across limited
// accounts, or 0 when none are limited. Used as a Retry-After fallback.
func (p *Pool) SoonestResetMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var soonest int64
	for _, acc := range p.accounts {
		remaining := acc.RemainingCooldownMs(now)
		if remaining > 0 && (soonest == 0 || remaining < soonest) {
			soonest = remaining
		}
	}
	return soonest
}

// Snapshot returns deep copies of every account for read-only surfaces.
func (p *Pool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		copied := *acc
		if acc.RateLimitResetTime != nil {
			reset := *acc.RateLimitResetTime
			copied.RateLimitResetTime = &reset
		}
		out = append(out, copied)
	}
	return out
}

// Get returns a copy of one account by email.
func (p *Pool) Get(email string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.findLocked(email)
	if acc == nil {
		return Account{}, false
	}
	copied := *acc
	if acc.RateLimitResetTime != nil {
		reset := *acc.RateLimitResetTime
		copied.RateLimitResetTime = &reset
	}
	return copied, true
}

// updateRecommendedLocked marks the single strictly-best non-invalid
// account, provided its score is positive.
func (p *Pool) updateRecommendedLocked() {
	best := -1
	bestScore := 0
	unique := false
	for i, acc := range p.accounts {
		acc.Recommended = false
		if acc.IsInvalid {
			continue
		}
		if best == -1 || acc.HealthScore > bestScore {
			best = i
			bestScore = acc.HealthScore
			unique = true
		} else if acc.HealthScore == bestScore {
			unique = false
		}
	}
	if best >= 0 && unique && bestScore > 0 {
		p.accounts[best].Recommended = true
	}
}

// persistLocked hands a snapshot to the persister; never blocks.
func (p *Pool) persistLocked() {
	if p.persister == nil {
		return
	}
	snapshot := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		copied := *acc
		if acc.RateLimitResetTime != nil {
			reset := *acc.RateLimitResetTime
			copied.RateLimitResetTime = &reset
		}
		snapshot[i] = &copied
	}
	p.persister.PersistPool(snapshot, p.settings, p.currentIndex)
}
