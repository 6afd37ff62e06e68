package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pipewright:"

// Deletes the lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Extends the lock only if it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

type RedisStore struct {
	logger log.Logger
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	MaxConns int
	Logger   log.Logger
}

func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		PoolSize:     config.MaxConns,
	})
	return &RedisStore{
		logger: config.Logger,
		client: client,
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	bytes, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		_ = r.logger.Log("err", errors.Wrap(err, "fetching value from redis"), "key", key)
		return false, err
	}
	if err := json.Unmarshal(bytes, v); err != nil {
		return true, errors.Wrapf(err, "decoding value at %s", key)
	}
	return true, nil
}

func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning redis keys")
	}
	return keys, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, v interface{}) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding value for %s", key)
	}
	if err := r.client.Set(ctx, keyPrefix+key, bytes, 0).Err(); err != nil {
		_ = r.logger.Log("err", errors.Wrap(err, "storing in redis"), "key", key)
		return err
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

func lockKey(name string) string {
	return fmt.Sprintf("%slock:%s", keyPrefix, name)
}

func (r *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(name), owner, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquiring lock %s", name)
	}
	if ok {
		return true, nil
	}
	n, err := refreshScript.Run(ctx, r.client, []string{lockKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "refreshing lock %s", name)
	}
	return n == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{lockKey(name)}, owner).Err(); err != nil && err != redis.Nil {
		return errors.Wrapf(err, "releasing lock %s", name)
	}
	return nil
}
