package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feedmux/pricerelay/internal/config"
	"github.com/feedmux/pricerelay/internal/model"
)

// TickCache keeps the most recent tick per feed identifier in redis. It backs
// snapshot requests when the upstream pull is unavailable; entries expire so
// the relay never serves arbitrarily stale prices.
type TickCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTickCache(cfg *config.Config) (*TickCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := time.Duration(cfg.Redis.TickTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TickCache{client: rdb, ttl: ttl}, nil
}

func tickKey(id string) string {
	return "tick:" + id
}

func (c *TickCache) Set(ctx context.Context, tick model.PriceTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tickKey(tick.ID), payload, c.ttl).Err()
}

func (c *TickCache) Get(ctx context.Context, id string) (model.PriceTick, bool, error) {
	payload, err := c.client.Get(ctx, tickKey(id)).Bytes()
	if err == redis.Nil {
		return model.PriceTick{}, false, nil
	}
	if err != nil {
		return model.PriceTick{}, false, err
	}

	var tick model.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return model.PriceTick{}, false, err
	}
	return tick, true, nil
}

func (c *TickCache) Close() error {
	return c.client.Close()
}
