package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casSetScript implements optimistic CAS over a plain Redis string value.
// The value is stored as "<cas>:<payload>"; the script only writes if the
// stored cas matches the expected one (or the key is absent and expected
// is "0"). This gives compare-and-swap semantics on top of a store with
// no native CAS primitive, the same way a higher-level primitive can be
// built out of plain Redis INCR + EXPIRE.
var casSetScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]
local newcas = ARGV[2]
local payload = ARGV[3]
local ttl = tonumber(ARGV[4])

local current = redis.call("GET", key)
local currentCas = "0"
if current then
  local sep = string.find(current, ":", 1, true)
  currentCas = string.sub(current, 1, sep - 1)
end

if currentCas ~= expected then
  return "CONTENTION"
end

local stored = newcas .. ":" .. payload
if ttl > 0 then
  redis.call("SET", key, stored, "EX", ttl)
else
  redis.call("SET", key, stored)
end
return "OK"
`)

// RedisStore is a Store backed by a single Redis server. Multiple
// RedisStores (one local, several remote) are combined by Replicated.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-connected Redis client. prefix
// namespaces keys (useful when several logical stores share one Redis
// instance in a test or small deployment).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(table Table, key string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, table, key)
}

func (s *RedisStore) Get(ctx context.Context, table Table, key string) ([]byte, CAS, error) {
	raw, err := s.client.Get(ctx, s.redisKey(table, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("redis get %s/%s: %w", table, key, err)
	}

	sep := -1
	for i, c := range raw {
		if c == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, 0, fmt.Errorf("redis get %s/%s: malformed value", table, key)
	}
	var cas CAS
	if _, err := fmt.Sscanf(raw[:sep], "%d", &cas); err != nil {
		return nil, 0, fmt.Errorf("redis get %s/%s: malformed cas: %w", table, key, err)
	}
	return []byte(raw[sep+1:]), cas, nil
}

func (s *RedisStore) Set(ctx context.Context, table Table, key string, value []byte, expected CAS, ttl Ttl) error {
	newCas := expected + 1
	res, err := casSetScript.Run(ctx, s.client, []string{s.redisKey(table, key)},
		fmt.Sprintf("%d", expected), fmt.Sprintf("%d", newCas), string(value), int(ttl)).Text()
	if err != nil {
		return fmt.Errorf("redis cas-set %s/%s: %w", table, key, err)
	}
	if res == "CONTENTION" {
		return ErrContention
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, table Table, key string) error {
	if err := s.client.Del(ctx, s.redisKey(table, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *RedisStore) HasServers() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}
