// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/config"
	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/redis/go-redis/v9"
)

// Store keeps the last good broadcast list per account so a restart does
// not begin with an empty list.
type Store interface {
	Save(ctx context.Context, accountID string, list []core.Broadcast) error
	LoadAll(ctx context.Context) (map[string][]core.Broadcast, error)
	Close() error
}

const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

func NewStore(cfg config.BroadcastConfig) (Store, error) {
	switch cfg.Store {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unknown broadcast store type: %s", cfg.Store)
	}
}

type MemoryStore struct {
	mu    sync.RWMutex
	lists map[string][]core.Broadcast
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]core.Broadcast)}
}

func (m *MemoryStore) Save(_ context.Context, accountID string, list []core.Broadcast) error {
	m.mu.Lock()
	m.lists[accountID] = append([]core.Broadcast(nil), list...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadAll(_ context.Context) (map[string][]core.Broadcast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]core.Broadcast, len(m.lists))
	for acct, list := range m.lists {
		out[acct] = append([]core.Broadcast(nil), list...)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(cfg config.BroadcastConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, cfg.TTL), nil
}

func newRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "encoder-hub:broadcasts:"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) key(accountID string) string {
	return r.keyPrefix + accountID
}

func (r *RedisStore) Save(ctx context.Context, accountID string, list []core.Broadcast) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal broadcasts: %w", err)
	}
	return r.client.Set(ctx, r.key(accountID), data, r.ttl).Err()
}

func (r *RedisStore) LoadAll(ctx context.Context) (map[string][]core.Broadcast, error) {
	out := make(map[string][]core.Broadcast)
	var cursor uint64
	pattern := r.keyPrefix + "*"

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between SCAN and GET
			}
			var list []core.Broadcast
			if err := json.Unmarshal(data, &list); err != nil {
				continue
			}
			out[strings.TrimPrefix(key, r.keyPrefix)] = list
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
