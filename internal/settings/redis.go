package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// configKey holds the singleton record. A single key trivially satisfies
	// the earliest-created-row convention.
	configKey = "gateway:server_config"

	queryTimeout = 500 * time.Millisecond
)

// RedisStore persists the server configuration as one JSON record in Redis.
// Unlike the ledger, the configuration must survive restarts and be shared
// across replicas, so there is no in-memory production mode.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli}
}

// NewRedisStoreFromURL parses redisURL, creates a client, and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("settings: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("settings: ping: %w", err)
	}

	return &RedisStore{client: cli}, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Resolve(ctx context.Context) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, configKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("settings: get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("settings: decode record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Upsert(ctx context.Context, cfg ServerConfig) (*Record, error) {
	existing, err := s.Resolve(ctx)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}

	now := time.Now().UTC()
	var rec *Record
	if existing == nil {
		rec = &Record{
			ID:        newConfigID(),
			Endpoint:  cfg.Endpoint,
			APIKey:    cfg.APIKey,
			CreatedAt: now,
		}
	} else {
		existing.Endpoint = cfg.Endpoint
		existing.APIKey = cfg.APIKey
		existing.UpdatedAt = &now
		rec = existing
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("settings: encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := s.client.Set(ctx, configKey, raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("settings: set: %w", err)
	}

	return rec, nil
}
