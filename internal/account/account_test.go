package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1_000_000_000_000)

func TestRescoreFreshAccount(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.Rescore(testNow, 60_000)
	// 30 (state) + 30 (usage) + 20 (error) + 10 (cooldown)
	assert.Equal(t, 90, acc.HealthScore)
}

func TestRescoreAllSuccess(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.Stats = Stats{SuccessCount: 10}
	acc.Rescore(testNow, 60_000)
	// Usage ratio term vanishes at 100% success
	assert.Equal(t, 60, acc.HealthScore)
}

func TestRescoreInvalid(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.IsInvalid = true
	acc.Rescore(testNow, 60_000)
	assert.Equal(t, 10, acc.HealthScore)
}

func TestRescoreRateLimitedMidCooldown(t *testing.T) {
	acc := newTestAccount("a@example.com")
	reset := testNow + 30_000
	acc.IsRateLimited = true
	acc.RateLimitResetTime = &reset
	acc.Rescore(testNow, 60_000)
	// -20 + 30 + 20 + 5 (half the cooldown elapsed)
	assert.Equal(t, 35, acc.HealthScore)
}

func TestRescoreRateLimitedFullCooldown(t *testing.T) {
	acc := newTestAccount("a@example.com")
	reset := testNow + 60_000
	acc.IsRateLimited = true
	acc.RateLimitResetTime = &reset
	acc.Rescore(testNow, 60_000)
	// Cooldown factor bottoms out at zero
	assert.Equal(t, 30, acc.HealthScore)
}

func TestRemainingCooldownMs(t *testing.T) {
	acc := newTestAccount("a@example.com")
	assert.Equal(t, int64(0), acc.RemainingCooldownMs(testNow))

	reset := testNow + 5_000
	acc.IsRateLimited = true
	acc.RateLimitResetTime = &reset
	assert.Equal(t, int64(5_000), acc.RemainingCooldownMs(testNow))
	assert.Equal(t, int64(0), acc.RemainingCooldownMs(testNow+10_000))
}

func TestHydrateDefaults(t *testing.T) {
	acc := &Account{Email: "a@example.com"}
	acc.Hydrate()
	assert.Equal(t, SourceOAuth, acc.Source)
}

func TestHydrateClearsOrphanedRateLimit(t *testing.T) {
	acc := &Account{Email: "a@example.com", IsRateLimited: true}
	acc.Hydrate()
	assert.False(t, acc.IsRateLimited)
}

func TestSettingsHydrate(t *testing.T) {
	s := Settings{}
	s.Hydrate()
	assert.Equal(t, DefaultSettings(), s)

	custom := Settings{CooldownDurationMs: 5_000, StickyWindowMs: 10_000}
	custom.Hydrate()
	assert.Equal(t, int64(5_000), custom.CooldownDurationMs)
	assert.Equal(t, int64(10_000), custom.StickyWindowMs)
}

func TestTokenResolverManualSource(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.Source = SourceManual
	acc.APIKey = "sk-test"
	pool, _, _ := newTestPool(t, acc)
	resolver := NewTokenResolver(pool)

	token, err := resolver.TokenFor(t.Context(), acc)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", token)

	// Cached on the second call even if the key is wiped
	acc.APIKey = ""
	token, err = resolver.TokenFor(t.Context(), acc)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", token)

	resolver.ClearTokenCache("a@example.com")
	_, err = resolver.TokenFor(t.Context(), acc)
	assert.Error(t, err)
}

func TestProjectForPrefersAccountOverride(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.Source = SourceManual
	acc.ProjectID = "my-project"
	pool, _, _ := newTestPool(t, acc)
	resolver := NewTokenResolver(pool)

	assert.Equal(t, "my-project", resolver.ProjectFor(t.Context(), acc, "token"))

	// Cached: survives clearing the account field
	acc.ProjectID = ""
	assert.Equal(t, "my-project", resolver.ProjectFor(t.Context(), acc, "token"))

	resolver.ClearProjectCache("")
	acc.ProjectID = "other-project"
	assert.Equal(t, "other-project", resolver.ProjectFor(t.Context(), acc, "token"))
}

func TestProjectForCompositeRefreshToken(t *testing.T) {
	acc := newTestAccount("a@example.com")
	acc.RefreshToken = "1//refresh-token|composite-project"
	pool, _, _ := newTestPool(t, acc)
	resolver := NewTokenResolver(pool)

	assert.Equal(t, "composite-project", resolver.ProjectFor(t.Context(), acc, "token"))
}
