package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the narrow slice of Redis operations the stores need. Keeping it
// small makes the stores testable without a live server.
type Client interface {
	// Eval executes a Lua script.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	// Del deletes keys.
	Del(ctx context.Context, keys ...string) error
	// ScanKeys returns all keys matching pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// HGetAll returns all fields of a hash.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes fields of a hash.
	HSet(ctx context.Context, key string, values map[string]any) error
	// Expire sets a TTL on a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close closes the connection.
	Close() error
}

// ClientAdapter adapts a go-redis client to the Client interface.
type ClientAdapter struct {
	client redis.UniversalClient
}

// NewClientAdapter creates a new client adapter.
func NewClientAdapter(client redis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

// Eval executes a Lua script.
func (c *ClientAdapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

// Del deletes keys.
func (c *ClientAdapter) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// ScanKeys returns all keys matching pattern.
func (c *ClientAdapter) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// HGetAll returns all fields of a hash.
func (c *ClientAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

// HSet writes fields of a hash.
func (c *ClientAdapter) HSet(ctx context.Context, key string, values map[string]any) error {
	return c.client.HSet(ctx, key, values).Err()
}

// Expire sets a TTL on a key.
func (c *ClientAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Ping checks connectivity.
func (c *ClientAdapter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection.
func (c *ClientAdapter) Close() error {
	return c.client.Close()
}
