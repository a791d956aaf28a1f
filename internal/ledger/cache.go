package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache fronts current-stock reads with Redis. A nil cache (or nil client)
// degrades to calling the loader directly, so tests and minimal deployments
// work without Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func currentStockKey(branchID, productID int64) string {
	return fmt.Sprintf("ledger:current:%d:%d", branchID, productID)
}

// FetchCurrent loads the cached current-stock figure or populates it.
func (c *Cache) FetchCurrent(ctx context.Context, branchID, productID int64, loader func(context.Context) (float64, error)) (float64, error) {
	if loader == nil {
		return 0, errors.New("ledger: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := currentStockKey(branchID, productID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var v float64
		if err := json.Unmarshal(payload, &v); err == nil {
			return v, nil
		}
	} else if err != redis.Nil {
		return 0, err
	}
	v, err := loader(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return 0, err
	}
	return v, nil
}

// Invalidate drops the cached figure for one pair after a mutation.
func (c *Cache) Invalidate(ctx context.Context, branchID, productID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, currentStockKey(branchID, productID)).Err()
}
