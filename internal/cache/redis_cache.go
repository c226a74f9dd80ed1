package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"realtech/backend/internal/domain"
)

type RedisPaymentSummaryCache struct {
	client *redis.Client
}

func NewRedisPaymentSummaryCache(addr string, password string, db int) *RedisPaymentSummaryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPaymentSummaryCache{client: client}
}

func (c *RedisPaymentSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPaymentSummaryCache) Close() error {
	return c.client.Close()
}

func summaryKey(orderID string) string {
	return "paysum:" + orderID
}

func (c *RedisPaymentSummaryCache) Get(ctx context.Context, orderID string) (*domain.PaymentSummary, bool, error) {
	val, err := c.client.Get(ctx, summaryKey(orderID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.PaymentSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisPaymentSummaryCache) Set(ctx context.Context, orderID string, summary *domain.PaymentSummary, ttl time.Duration) error {
	if summary == nil {
		return nil
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(orderID), payload, ttl).Err()
}

func (c *RedisPaymentSummaryCache) Invalidate(ctx context.Context, orderID string) error {
	return c.client.Del(ctx, summaryKey(orderID)).Err()
}
