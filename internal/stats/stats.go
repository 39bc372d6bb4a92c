// Package stats tracks per-account per-model request counters, with an
// optional redis sink for hourly history.
package stats

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

const (
	// keyPrefix namespaces the hourly buckets in redis.
	keyPrefix = "ccgw:stats:"
	// retention for persisted buckets
	retentionDays = 30
)

// Tracker accumulates request counters in memory and, when a redis client
// is supplied, mirrors them into hourly buckets. A nil redis client
// disables persistence without changing behavior.
type Tracker struct {
	mu       sync.RWMutex
	byAcct   map[string]map[string]int64
	rdb      *redis.Client
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a tracker. rdb may be nil.
func NewTracker(rdb *redis.Client) *Tracker {
	t := &Tracker{
		byAcct:   make(map[string]map[string]int64),
		rdb:      rdb,
		stopChan: make(chan struct{}),
	}
	if rdb != nil {
		go t.backgroundPrune()
	}
	return t
}

// Track records one request for an account and model.
func (t *Tracker) Track(accountEmail, model string) {
	t.mu.Lock()
	models := t.byAcct[accountEmail]
	if models == nil {
		models = make(map[string]int64)
		t.byAcct[accountEmail] = models
	}
	models[model]++
	t.mu.Unlock()

	if t.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := keyPrefix + hourKey()
	pipe := t.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "_total", 1)
	pipe.HIncrBy(ctx, key, model, 1)
	pipe.Expire(ctx, key, retentionDays*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		utils.Debug("[Stats] Failed to record request: %v", err)
	}
}

// Totals returns a copy of the in-memory per-account per-model counters.
func (t *Tracker) Totals() map[string]map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]int64, len(t.byAcct))
	for acct, models := range t.byAcct {
		copied := make(map[string]int64, len(models))
		for model, count := range models {
			copied[model] = count
		}
		out[acct] = copied
	}
	return out
}

// HourlyBucket is one persisted hour of counters.
type HourlyBucket struct {
	Hour   string           `json:"hour"`
	Total  int64            `json:"total"`
	Models map[string]int64 `json:"models"`
}

// History reads the persisted hourly buckets for the last days, oldest
// first. Empty without redis.
func (t *Tracker) History(ctx context.Context, days int) ([]HourlyBucket, error) {
	if t.rdb == nil {
		return []HourlyBucket{}, nil
	}
	if days <= 0 {
		days = retentionDays
	}

	keys, err := t.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	buckets := make([]HourlyBucket, 0, len(keys))
	for _, key := range keys {
		hour := key[len(keyPrefix):]
		ts, err := time.Parse("2006-01-02T15", hour)
		if err != nil || ts.Before(cutoff) {
			continue
		}

		fields, err := t.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		bucket := HourlyBucket{Hour: hour, Models: make(map[string]int64)}
		for field, value := range fields {
			count, _ := strconv.ParseInt(value, 10, 64)
			if field == "_total" {
				bucket.Total = count
				continue
			}
			bucket.Models[field] = count
		}
		buckets = append(buckets, bucket)
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Hour < buckets[j].Hour
	})
	return buckets, nil
}

// backgroundPrune removes expired buckets hourly. Expire covers the
// normal path; this sweeps buckets written before a retention change.
func (t *Tracker) backgroundPrune() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pruned, err := t.prune(ctx, retentionDays)
			cancel()
			if err != nil {
				utils.Warn("[Stats] Failed to prune old stats: %v", err)
			} else if pruned > 0 {
				utils.Debug("[Stats] Pruned %d old buckets", pruned)
			}
		}
	}
}

func (t *Tracker) prune(ctx context.Context, days int) (int, error) {
	keys, err := t.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	pruned := 0
	for _, key := range keys {
		hour := key[len(keyPrefix):]
		ts, err := time.Parse("2006-01-02T15", hour)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if err := t.rdb.Del(ctx, key).Err(); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

func (t *Tracker) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := t.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Shutdown stops the background prune loop.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
}

func hourKey() string {
	return time.Now().UTC().Format("2006-01-02T15")
}
