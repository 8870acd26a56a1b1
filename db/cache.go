package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheRepository wraps a Redis client for the pipeline's coordination
// needs: the SLA monitor's leader lock and short-lived status caching for
// the gateway. Redis is optional; services run without it when no URL is
// configured.
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository connects to Redis and verifies the connection.
func NewCacheRepository(url string) (*CacheRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheRepository{client: client}, nil
}

// AcquireLock attempts to take an advisory lock with a TTL. Returns true
// only for the caller that set the key; the lock expires on its own if the
// holder dies.
func (r *CacheRepository) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := "lock:" + name
	lockData := map[string]interface{}{
		"name":     name,
		"lockedAt": time.Now().UTC().Format(time.RFC3339),
		"ttl":      ttl.String(),
	}

	data, err := json.Marshal(lockData)
	if err != nil {
		return false, err
	}

	return r.client.SetNX(ctx, key, data, ttl).Result()
}

// ReleaseLock drops an advisory lock.
func (r *CacheRepository) ReleaseLock(ctx context.Context, name string) error {
	return r.client.Del(ctx, "lock:"+name).Err()
}

// SetCache stores a JSON-serialized value with a TTL.
func (r *CacheRepository) SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, "cache:"+key, data, ttl).Err()
}

// GetCache loads a cached value into the given target. Returns redis.Nil
// wrapped as a miss error when the key does not exist.
func (r *CacheRepository) GetCache(ctx context.Context, key string, value interface{}) error {
	data, err := r.client.Get(ctx, "cache:"+key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("cache miss: %s", key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// Close closes the Redis connection.
func (r *CacheRepository) Close() error {
	return r.client.Close()
}
