// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup remembers which messages have already been assessed, using
// a Redis key with a TTL per message id. The intake queue and the IMAP
// poller can both deliver the same message, and the ingestion service
// retries on failure.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen message id is remembered.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "guardian:seen:"
)

// Filter tracks which message ids have already been assessed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A non-positive ttl
// uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsNew returns true if the message id has NOT been seen before.
// If true, the id is marked as seen atomically (SETNX). Messages without
// an id cannot be deduplicated and are always new.
func (f *Filter) IsNew(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key(messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget removes a message id so a failed assessment can be retried.
func (f *Filter) Forget(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := f.rdb.Del(ctx, key(messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func key(messageID string) string {
	return keyPrefix + messageID
}
