package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingPrefix = "pending:v1:"
	// keyGrace keeps the hash slightly past ExpiresAt so expiry is decided by the
	// application clock rather than the Redis eviction.
	keyGrace = time.Minute
)

// Expiry is compared in Unix milliseconds: ARGV[2] is now, the "expires" field is ExpiresAt.
var consumeScript = redis.NewScript(`
local fields = redis.call("HMGET", KEYS[1], "code", "expires", "payload")
if not fields[1] then
	return false
end
local expires = tonumber(fields[2])
if expires and tonumber(ARGV[2]) > expires then
	redis.call("DEL", KEYS[1])
	return false
end
if fields[1] ~= ARGV[1] then
	return false
end
redis.call("DEL", KEYS[1])
return fields[3]
`)

var activeScript = redis.NewScript(`
local fields = redis.call("HMGET", KEYS[1], "expires", "payload")
if not fields[2] then
	return false
end
local expires = tonumber(fields[1])
if expires and tonumber(ARGV[1]) > expires then
	redis.call("DEL", KEYS[1])
	return false
end
return fields[2]
`)

var cancelScript = redis.NewScript(`
local payload = redis.call("HGET", KEYS[1], "payload")
if not payload then
	return false
end
redis.call("DEL", KEYS[1])
return payload
`)

// RedisRegistry keeps one hash per sender so that confirmations from any instance
// see the same proposal.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry builds a Redis-backed registry.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Put(ctx context.Context, t Transfer) error {
	t.Code = strings.ToUpper(t.Code)
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode pending transfer: %w", err)
	}
	key := pendingPrefix + t.Sender
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "code", t.Code, "expires", t.ExpiresAt.UnixMilli(), "payload", payload)
		pipe.PExpireAt(ctx, key, t.ExpiresAt.Add(keyGrace))
		return nil
	})
	return err
}

func (r *RedisRegistry) Consume(ctx context.Context, sender, code string, now time.Time) (Transfer, error) {
	raw, err := consumeScript.Run(ctx, r.client, []string{pendingPrefix + sender},
		strings.ToUpper(strings.TrimSpace(code)), now.UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Transfer{}, ErrNoSuchPendingTransfer
		}
		return Transfer{}, err
	}
	return decodeActive(raw, now)
}

func (r *RedisRegistry) Cancel(ctx context.Context, sender string, now time.Time) (Transfer, error) {
	raw, err := cancelScript.Run(ctx, r.client, []string{pendingPrefix + sender}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Transfer{}, ErrNoSuchPendingTransfer
		}
		return Transfer{}, err
	}
	return decodeActive(raw, now)
}

func (r *RedisRegistry) Active(ctx context.Context, sender string, now time.Time) (Transfer, error) {
	raw, err := activeScript.Run(ctx, r.client, []string{pendingPrefix + sender}, now.UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Transfer{}, ErrNoSuchPendingTransfer
		}
		return Transfer{}, err
	}
	return decodeActive(raw, now)
}

func decodeActive(raw string, now time.Time) (Transfer, error) {
	var t Transfer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Transfer{}, fmt.Errorf("decode pending transfer: %w", err)
	}
	if t.Expired(now) {
		return Transfer{}, ErrNoSuchPendingTransfer
	}
	return t, nil
}
