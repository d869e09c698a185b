package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tillpoint/terminal/internal/domain"
)

type RedisLoyaltyCache struct {
	client *redis.Client
}

func NewRedisLoyaltyCache(addr string, password string, db int) *RedisLoyaltyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisLoyaltyCache{client: client}
}

func (c *RedisLoyaltyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLoyaltyCache) Close() error {
	return c.client.Close()
}

func (c *RedisLoyaltyCache) Get(ctx context.Context, key string) (*domain.LoyaltyProfile, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var profile domain.LoyaltyProfile
	if err := json.Unmarshal([]byte(val), &profile); err != nil {
		return nil, false, err
	}
	return &profile, true, nil
}

func (c *RedisLoyaltyCache) Set(ctx context.Context, key string, value *domain.LoyaltyProfile, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisLoyaltyCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
