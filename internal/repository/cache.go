package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a best-effort accelerator in front of the store. It never holds
// the only copy of anything: a miss or an outage falls back to Postgres.
type Cache interface {
	CachedBalance(ctx context.Context, userID int64) (int64, bool)
	// StoreBalance records the balance produced by entryID. Older entries
	// never overwrite newer ones; entryID 0 only fills an empty slot.
	StoreBalance(ctx context.Context, userID, entryID, balance int64)
	// ClaimReplay returns false when key was claimed within ttl.
	ClaimReplay(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseReplay(ctx context.Context, key string)
}

const balanceTTL = 10 * time.Minute

//go:embed store_balance.lua
var storeBalanceLuaScript string

var storeBalanceScript = redis.NewScript(storeBalanceLuaScript)

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("wallet:%d", userID)
}

func replayKey(key string) string {
	return "webhook:seen:" + key
}

func (c *RedisCache) CachedBalance(ctx context.Context, userID int64) (int64, bool) {
	bal, err := c.rdb.HGet(ctx, balanceKey(userID), "balance").Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache: balance read failed", "user_id", userID, "error", err)
		}
		return 0, false
	}
	return bal, true
}

func (c *RedisCache) StoreBalance(ctx context.Context, userID, entryID, balance int64) {
	keys := []string{balanceKey(userID)}
	err := storeBalanceScript.Run(ctx, c.rdb, keys, entryID, balance, int(balanceTTL.Seconds())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("cache: balance write failed", "user_id", userID, "error", err)
	}
}

func (c *RedisCache) ClaimReplay(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, replayKey(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim replay key: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) ReleaseReplay(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, replayKey(key)).Err(); err != nil {
		slog.Warn("cache: release replay key failed", "key", key, "error", err)
	}
}

// NopCache is used when Redis is not configured.
type NopCache struct{}

func (NopCache) CachedBalance(context.Context, int64) (int64, bool) { return 0, false }
func (NopCache) StoreBalance(context.Context, int64, int64, int64)  {}
func (NopCache) ClaimReplay(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (NopCache) ReleaseReplay(context.Context, string) {}
