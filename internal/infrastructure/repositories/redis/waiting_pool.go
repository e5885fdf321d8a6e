package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Every pool operation runs as one Lua script so that concurrent instances
// never observe or produce a half-updated lobby. The list holds addresses with
// the newest at the head; the hash maps address to the encoded entry.

var enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

var popPairScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) < 2 then
	return false
end
local first = redis.call("LPOP", KEYS[1])
local second = redis.call("LPOP", KEYS[1])
local a = redis.call("HGET", KEYS[2], first) or ""
local b = redis.call("HGET", KEYS[2], second) or ""
redis.call("HDEL", KEYS[2], first, second)
return {first, a, second, b}
`)

var removeScript = redis.NewScript(`
if redis.call("HDEL", KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call("LREM", KEYS[1], 0, ARGV[1])
return 1
`)

type storedEntry struct {
	Identity   domain.Identity `json:"identity"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

type RedisWaitingPool struct {
	client     *redis.Client
	queueKey   string
	entriesKey string
}

func NewRedisWaitingPool(client *redis.Client, prefix string) *RedisWaitingPool {
	return &RedisWaitingPool{
		client:     client,
		queueKey:   prefix + "lobby",
		entriesKey: prefix + "lobby:entries",
	}
}

var _ ports.WaitingPool = (*RedisWaitingPool)(nil)

func (p *RedisWaitingPool) keys() []string {
	return []string{p.queueKey, p.entriesKey}
}

func (p *RedisWaitingPool) Enqueue(ctx context.Context, entry domain.PendingEntry) error {
	data, err := json.Marshal(storedEntry{
		Identity:   entry.Identity,
		EnqueuedAt: entry.EnqueuedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	added, err := enqueueScript.Run(ctx, p.client, p.keys(), string(entry.Address), data).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue in Redis: %w", err)
	}
	if added == 0 {
		return domain.ErrAlreadyQueued
	}
	return nil
}

func (p *RedisWaitingPool) PopPair(ctx context.Context) (*domain.Pair, error) {
	res, err := popPairScript.Run(ctx, p.client, p.keys()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop pair from Redis: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected pop reply length %d", len(res))
	}

	first, err := decodeEntry(res[0], res[1])
	if err != nil {
		return nil, err
	}
	second, err := decodeEntry(res[2], res[3])
	if err != nil {
		return nil, err
	}

	return &domain.Pair{First: first, Second: second}, nil
}

func (p *RedisWaitingPool) Remove(ctx context.Context, address domain.Address) (bool, error) {
	removed, err := removeScript.Run(ctx, p.client, p.keys(), string(address)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove from Redis: %w", err)
	}
	return removed == 1, nil
}

func (p *RedisWaitingPool) Len(ctx context.Context) (int, error) {
	n, err := p.client.LLen(ctx, p.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read lobby length: %w", err)
	}
	return int(n), nil
}

// PurgeInstance drops entries left behind by a previous run of the given
// instance. Their connections died with that process.
func (p *RedisWaitingPool) PurgeInstance(ctx context.Context, instanceID string) (int, error) {
	addresses, err := p.client.LRange(ctx, p.queueKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list lobby: %w", err)
	}

	purged := 0
	for _, a := range addresses {
		addr := domain.Address(a)
		if addr.Instance() != instanceID {
			continue
		}
		removed, err := p.Remove(ctx, addr)
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}
	return purged, nil
}

func decodeEntry(address, data string) (domain.PendingEntry, error) {
	entry := domain.PendingEntry{Address: domain.Address(address)}
	if data == "" {
		return entry, nil
	}

	var stored storedEntry
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return entry, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	entry.Identity = stored.Identity
	entry.EnqueuedAt = time.Unix(0, stored.EnqueuedAt)
	return entry, nil
}
