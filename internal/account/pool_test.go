package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePersister records PersistPool calls for assertions.
type fakePersister struct {
	calls    int
	accounts []*Account
	index    int
}

func (f *fakePersister) PersistPool(accounts []*Account, settings Settings, activeIndex int) {
	f.calls++
	f.accounts = accounts
	f.index = activeIndex
}

func newTestAccount(email string) *Account {
	return &Account{Email: email, Source: SourceOAuth}
}

// newTestPool builds a pool with a controllable clock starting at t=1e12.
func newTestPool(t *testing.T, accounts ...*Account) (*Pool, *int64, *fakePersister) {
	t.Helper()
	persister := &fakePersister{}
	pool := NewPool(accounts, DefaultSettings(), 0, persister)
	clock := new(int64)
	*clock = 1_000_000_000_000
	pool.now = func() int64 { return *clock }
	return pool, clock, persister
}

func TestPickStickyEmptyPool(t *testing.T) {
	pool, _, _ := newTestPool(t)
	_, err := pool.PickSticky()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestPickStickyReturnsCurrent(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, clock, _ := newTestPool(t, a, b)

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "a@example.com", result.Account.Email)
	assert.Equal(t, *clock, result.Account.LastUsed)
}

func TestAffinityLockHoldsThroughShortCooldown(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, clock, _ := newTestPool(t, a, b)

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.Equal(t, "a@example.com", result.Account.Email)

	// Short cooldown: the affinity lock waits instead of switching
	pool.MarkRateLimited("a@example.com", 5_000)
	*clock += 1_000

	result, err = pool.PickSticky()
	require.NoError(t, err)
	assert.Nil(t, result.Account)
	assert.Equal(t, int64(4_000), result.WaitMs)
}

func TestAffinityLockSkipsInvalidAccount(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, clock, _ := newTestPool(t, a, b)

	_, err := pool.PickSticky()
	require.NoError(t, err)

	pool.MarkInvalid("a@example.com", "token revoked")
	*clock += 1_000

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
}

func TestAffinityLockExpiresWithWindow(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, clock, _ := newTestPool(t, a, b)

	_, err := pool.PickSticky()
	require.NoError(t, err)

	pool.MarkRateLimited("a@example.com", 120_000)

	// Past the sticky window the lock no longer applies and the pool
	// switches to the alternative
	*clock += pool.Settings().StickyWindowMs + 1

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
}

func TestWaitVersusSwitchPrefersAlternative(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	// Medium cooldown with an alternative available: switch
	pool.MarkRateLimited("a@example.com", 30_000)
	pool.lastUsedEmail = ""

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
}

func TestWaitVersusSwitchWaitsWithoutAlternative(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	pool.MarkRateLimited("a@example.com", 30_000)
	pool.MarkInvalid("b@example.com", "token revoked")
	pool.lastUsedEmail = ""

	result, err := pool.PickSticky()
	require.NoError(t, err)
	assert.Nil(t, result.Account)
	assert.Equal(t, int64(30_000), result.WaitMs)
}

func TestLongCooldownNeverWaits(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	pool.MarkRateLimited("a@example.com", 120_000)
	pool.MarkInvalid("b@example.com", "token revoked")
	pool.lastUsedEmail = ""

	_, err := pool.PickSticky()
	assert.ErrorIs(t, err, ErrAllUnavailable)
}

func TestExpiredCooldownClearedLazily(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool, clock, _ := newTestPool(t, a)

	pool.MarkRateLimited("a@example.com", 5_000)
	*clock += 6_000

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "a@example.com", result.Account.Email)
	assert.False(t, result.Account.IsRateLimited)
	assert.Nil(t, result.Account.RateLimitResetTime)
}

func TestPickNextOrdersByScoreThenRecency(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	c := newTestAccount("c@example.com")
	// a carries errors, b and c are clean but c succeeded more recently
	a.Stats = Stats{SuccessCount: 1, ErrorCount: 9}
	b.Stats = Stats{SuccessCount: 5, LastSuccessAt: 100}
	c.Stats = Stats{SuccessCount: 5, LastSuccessAt: 200}

	pool, _, _ := newTestPool(t, a, b, c)
	pool.MarkRateLimited("a@example.com", 120_000)
	pool.lastUsedEmail = ""

	result, err := pool.PickSticky()
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "c@example.com", result.Account.Email)
}

func TestMarkRateLimitedUsesDefaultCooldown(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool, clock, _ := newTestPool(t, a)

	pool.MarkRateLimited("a@example.com", 0)

	got, ok := pool.Get("a@example.com")
	require.True(t, ok)
	require.NotNil(t, got.RateLimitResetTime)
	assert.Equal(t, *clock+pool.Settings().CooldownDurationMs, *got.RateLimitResetTime)
	assert.Equal(t, int64(1), got.Stats.ErrorCount)
}

func TestRecordSuccessClearsFlags(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool, _, _ := newTestPool(t, a)

	pool.MarkRateLimited("a@example.com", 30_000)
	pool.MarkInvalid("a@example.com", "transient")
	pool.RecordSuccess("a@example.com")

	got, ok := pool.Get("a@example.com")
	require.True(t, ok)
	assert.False(t, got.IsRateLimited)
	assert.False(t, got.IsInvalid)
	assert.Empty(t, got.InvalidReason)
	assert.Equal(t, int64(1), got.Stats.SuccessCount)
}

func TestAllRateLimitedAndOptimisticReset(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	assert.False(t, pool.AllRateLimited())
	pool.MarkRateLimited("a@example.com", 30_000)
	pool.MarkRateLimited("b@example.com", 60_000)
	assert.True(t, pool.AllRateLimited())

	pool.ResetAllRateLimits()
	assert.False(t, pool.AllRateLimited())
	for _, acc := range pool.Snapshot() {
		assert.False(t, acc.IsRateLimited)
		assert.Nil(t, acc.RateLimitResetTime)
	}
}

func TestSoonestResetMs(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	assert.Equal(t, int64(0), pool.SoonestResetMs())

	pool.MarkRateLimited("a@example.com", 60_000)
	pool.MarkRateLimited("b@example.com", 20_000)
	assert.Equal(t, int64(20_000), pool.SoonestResetMs())
}

func TestRecommendedIsUniqueBest(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	a.Stats = Stats{SuccessCount: 10}
	pool, _, _ := newTestPool(t, a, b)

	// b is fresh (higher score via the usage-ratio term) so it should be
	// the single recommendation
	gotA, _ := pool.Get("a@example.com")
	gotB, _ := pool.Get("b@example.com")
	assert.False(t, gotA.Recommended)
	assert.True(t, gotB.Recommended)
}

func TestRecommendedRequiresStrictWinner(t *testing.T) {
	a := newTestAccount("a@example.com")
	b := newTestAccount("b@example.com")
	pool, _, _ := newTestPool(t, a, b)

	// Identical fresh accounts tie; nobody is recommended
	for _, acc := range pool.Snapshot() {
		assert.False(t, acc.Recommended)
	}
}

func TestRecordFailurePrecedence(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool, _, _ := newTestPool(t, a)

	cooldown := int64(15_000)
	pool.RecordFailure("a@example.com", FailureOpts{
		Invalidate:  true,
		Reason:      "revoked",
		RateLimitMs: &cooldown,
	})

	got, _ := pool.Get("a@example.com")
	assert.True(t, got.IsInvalid)
	assert.False(t, got.IsRateLimited)
	assert.Equal(t, "revoked", got.InvalidReason)
}

func TestPoolPersistsOnMutation(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool, _, persister := newTestPool(t, a)

	pool.MarkRateLimited("a@example.com", 10_000)
	require.Greater(t, persister.calls, 0)
	require.Len(t, persister.accounts, 1)

	// The persisted snapshot must be a deep copy
	persisted := persister.accounts[0]
	assert.NotSame(t, a, persisted)
	assert.True(t, persisted.IsRateLimited)
	if a.RateLimitResetTime != nil {
		assert.NotSame(t, a.RateLimitResetTime, persisted.RateLimitResetTime)
	}
}

func TestNewPoolClampsActiveIndex(t *testing.T) {
	a := newTestAccount("a@example.com")
	pool := NewPool([]*Account{a}, Settings{}, 7, nil)
	result, err := pool.PickSticky()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", result.Account.Email)
}
