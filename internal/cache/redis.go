package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares cached results between worker processes. Expiry is left to
// Redis.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedis(client redis.UniversalClient) Redis {
	return Redis{Client: client, Prefix: "scamprobe:cache:"}
}

func (c Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.Client.Get(ctx, c.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.Client.Set(ctx, c.Prefix+key, val, ttl).Err()
}
