package cache

import (
	"context"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

const tallyKeyPrefix = "vendorsales:tally:"

// RedisTallyMirror stores one hash per seller: field = product id, value = net units.
type RedisTallyMirror struct {
	client *redis.Client
}

func NewRedisTallyMirror(addr string, password string, db int) *RedisTallyMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTallyMirror{client: client}
}

func (c *RedisTallyMirror) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTallyMirror) Close() error {
	return c.client.Close()
}

func (c *RedisTallyMirror) Replace(ctx context.Context, sellerID string, counts map[string]int) error {
	key := tallyKey(sellerID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(counts) == 0 {
			return nil
		}
		values := make(map[string]any, len(counts))
		for productID, units := range counts {
			values[productID] = units
		}
		pipe.HSet(ctx, key, values)
		return nil
	})
	return err
}

func (c *RedisTallyMirror) Increment(ctx context.Context, sellerID string, productID string, delta int) error {
	return c.client.HIncrBy(ctx, tallyKey(sellerID), productID, int64(delta)).Err()
}

func (c *RedisTallyMirror) Load(ctx context.Context, sellerID string) (map[string]int, bool, error) {
	raw, err := c.client.HGetAll(ctx, tallyKey(sellerID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	counts := make(map[string]int, len(raw))
	for productID, value := range raw {
		units, err := strconv.Atoi(value)
		if err != nil {
			return nil, false, fmt.Errorf("tally mirror %s/%s: %w", sellerID, productID, err)
		}
		counts[productID] = units
	}
	return counts, true, nil
}

func (c *RedisTallyMirror) Delete(ctx context.Context, sellerID string) error {
	return c.client.Del(ctx, tallyKey(sellerID)).Err()
}

func tallyKey(sellerID string) string {
	return tallyKeyPrefix + sellerID
}
