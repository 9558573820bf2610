package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
)

const defaultKeyPrefix = "credits:balance:"

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisBalanceCache keeps recent balances in Redis. Entries expire after TTL
// and are overwritten by the balance of every committed mutation.
type RedisBalanceCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ ledger.BalanceCache = (*RedisBalanceCache)(nil)

func NewRedisBalanceCache(cfg RedisConfig) (*RedisBalanceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBalanceCacheWithClient(client, "", cfg.TTL), nil
}

func NewRedisBalanceCacheWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisBalanceCache {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisBalanceCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisBalanceCache) key(tenantID uuid.UUID) string {
	return c.keyPrefix + tenantID.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, tenantID uuid.UUID) (model.Balance, bool, error) {
	raw, err := c.client.Get(ctx, c.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Balance{}, false, nil
	}
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("failed to read cached balance: %w", err)
	}
	var b model.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Balance{}, false, fmt.Errorf("failed to decode cached balance: %w", err)
	}
	return b, true, nil
}

// setIfNewer writes ARGV[1] unless the stored balance has a version at or
// above ARGV[2].
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, stored = pcall(cjson.decode, cur)
	if ok and stored.version and tonumber(stored.version) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Set caches b unless a balance read at a newer account version is already
// cached.
func (c *RedisBalanceCache) Set(ctx context.Context, b model.Balance) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode balance: %w", err)
	}
	err = setIfNewer.Run(ctx, c.client, []string{c.key(b.TenantID)}, raw, b.Version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if err := c.client.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached balance: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}
