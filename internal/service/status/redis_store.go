package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Store interface {
	Save(ctx context.Context, key string, status entity.RelayStatus) error
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cacheDSN string, ttl time.Duration) (*RedisStore, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	return &RedisStore{client: redis.NewClient(options), ttl: ttl}, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, status entity.RelayStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, payload, s.ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// StartSnapshotLoop periodically writes the current status document so
// external health tooling can watch relay liveness outside the HTTP surface.
func StartSnapshotLoop(ctx context.Context, store Store, key string, interval time.Duration, source func() entity.RelayStatus) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Save(ctx, key, source()); err != nil {
					logrus.Errorf("status snapshot save failed: %v", err)
				}
			}
		}
	}()
}
