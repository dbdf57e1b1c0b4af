package localcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 2 * time.Second

// RedisStore keeps values in Redis under a per-device namespace. Values do
// not expire.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore wraps client. Keys are stored as "<namespace>:<key>".
func NewRedisStore(client *redis.Client, namespace string, timeout time.Duration) *RedisStore {
	if client == nil {
		panic("localcache.NewRedisStore: client is nil")
	}
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	if namespace == "" {
		namespace = "local"
	}
	return &RedisStore{client: client, prefix: namespace + ":", timeout: timeout}
}

func (r *RedisStore) GetItem(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, unavailable("get", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) SetItem(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (r *RedisStore) RemoveItem(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}
