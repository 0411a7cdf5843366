package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisClient is the subset of the go-redis client used by RedisStore; *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
}

// reserveScript stores the pending record when the key is free and otherwise returns the
// existing record.
var reserveScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return ''
end
return redis.call('GET', KEYS[1])
`)

// saveScript writes the completed record unless the key belongs to another fingerprint.
var saveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and cjson.decode(current)['fingerprint'] ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// releaseScript deletes the key only when it is still owned by the fingerprint.
var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and cjson.decode(current)['fingerprint'] == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore shares idempotency state across API instances. Expiry is delegated to redis.
type RedisStore struct {
	client RedisClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = effectiveTTL(ttl)
	record := pendingRecord(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	existing, err := reserveScript.Run(ctx, s.client, []string{redisKey(key)}, payload, ttl.Milliseconds()).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if existing == "" {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	var stored Record
	if err := json.Unmarshal([]byte(existing), &stored); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return classify(stored, fingerprint)
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = effectiveTTL(ttl)
	record := completedRecord(Record{}, key, fingerprint, resp, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	saved, err := saveScript.Run(ctx, s.client, []string{redisKey(key)}, payload, fingerprint, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: save: %w", err)
	}
	if saved == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKey(key)}, fingerprint).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op: records carry a PX expiry.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + storageKey(key)
}
