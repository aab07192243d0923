// storage_redis.go: Redis-backed durable plugin storage
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKVConfig describes the Redis connection for durable plugin storage.
type RedisKVConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`

	// KeyPrefix is prepended to every key so plugin storage can share a
	// Redis database with other subsystems.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisKVStore implements KVStore on Redis. TTL handling is delegated to
// Redis key expiry, which gives per-key atomicity for free.
type RedisKVStore struct {
	client *redis.Client
	prefix string
}

// NewRedisKVStore connects to Redis and verifies the connection.
func NewRedisKVStore(cfg RedisKVConfig) (*RedisKVStore, error) {
	if cfg.Addr == "" {
		return nil, NewInvalidConfigError("redis address cannot be empty", nil)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pluginexec:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, NewStorageError("connect", cfg.Addr, err)
	}

	return &RedisKVStore{client: client, prefix: prefix}, nil
}

// Get implements KVStore.
func (s *RedisKVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements KVStore.
func (s *RedisKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// Delete implements KVStore.
func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Close implements KVStore.
func (s *RedisKVStore) Close() error {
	return s.client.Close()
}
