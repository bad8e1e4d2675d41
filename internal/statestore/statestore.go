// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package statestore keeps derived counters in a Redis hash so they survive
// restarts.
package statestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// hashClient is the subset of the redis client the store uses
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Options selects the Redis server
type Options struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store persists metrics.PersistentKeys
type Store struct {
	client  hashClient
	key     string
	keys    map[string]bool
	timeout time.Duration
	logger  *zap.Logger
}

// Open connects to Redis and checks the connection
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", opts.Address, err)
	}
	return New(client, opts.KeyPrefix, logger), client, nil
}

// New wraps an existing client. The hash is stored at "<prefix>:counters".
func New(client hashClient, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := make(map[string]bool)
	for _, k := range metrics.PersistentKeys() {
		keys[k] = true
	}
	return &Store{
		client:  client,
		key:     prefix + ":counters",
		keys:    keys,
		timeout: 2 * time.Second,
		logger:  logger.Named("statestore"),
	}
}

// Handle stores persistent numeric updates and ignores everything else
func (s *Store) Handle(u metrics.Update) {
	if !s.keys[u.Key] {
		return
	}
	f, ok := u.Value.Float()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key, u.Key, strconv.FormatFloat(f, 'f', -1, 64)).Err(); err != nil {
		s.logger.Warn("persist counter failed", zap.String("key", u.Key), zap.Error(err))
	}
}

// Restore seeds p with every stored counter and returns how many were restored
func (s *Store) Restore(ctx context.Context, p *metrics.Pipeline) (int, error) {
	stored, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("load counters: %w", err)
	}

	n := 0
	for key, raw := range stored {
		if !s.keys[key] {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.logger.Warn("ignoring stored counter", zap.String("key", key), zap.String("value", raw))
			continue
		}
		// zero time so any live sample supersedes the restored one
		p.Seed(key, transform.Number(f), time.Time{})
		n++
	}
	s.logger.Info("restored counters", zap.Int("count", n))
	return n, nil
}
