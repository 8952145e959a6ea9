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

package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/guardian/internal/models"
)

const (
	// DefaultBlockTimeout bounds each BRPOP so cancellation is noticed.
	DefaultBlockTimeout = 5 * time.Second

	maxBackoff = 30 * time.Second
)

// EventHandler processes one email event taken off the queue.
type EventHandler func(ctx context.Context, ev *models.EmailEvent) error

// Consumer takes email events off a Redis list. Producers LPUSH, so BRPOP
// yields events in arrival order.
type Consumer struct {
	rdb          *redis.Client
	queueName    string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer reading the specified queue.
func NewConsumer(rdb *redis.Client, queueName string) *Consumer {
	return &Consumer{
		rdb:          rdb,
		queueName:    queueName,
		blockTimeout: DefaultBlockTimeout,
	}
}

// Run consumes events until the context is cancelled. Undecodable payloads
// are logged and dropped. Handler errors are logged; the event is not
// requeued. Redis errors back off exponentially up to 30s.
func (c *Consumer) Run(ctx context.Context, handle EventHandler) {
	slog.Info("intake consumer starting", "queue", c.queueName)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			slog.Info("intake consumer stopping")
			return
		}

		res, err := c.rdb.BRPop(ctx, c.blockTimeout, c.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("intake consumer stopping")
				return
			}
			slog.Error("redis BRPOP failed", "queue", c.queueName, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		// BRPOP returns [key, value]
		ev, err := Decode([]byte(res[1]))
		if err != nil {
			slog.Warn("dropping undecodable queue payload", "queue", c.queueName, "error", err)
			continue
		}
		if err := handle(ctx, ev); err != nil {
			slog.Error("failed to handle email event",
				"message_id", ev.MessageID,
				"tenant", ev.TenantAlias,
				"error", err,
			)
		}
	}
}

// Decode accepts either a Celery message envelope, as published by the
// ingestion service, or a bare EmailEvent JSON object.
func Decode(payload []byte) (*models.EmailEvent, error) {
	payload = bytes.TrimSpace(payload)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}

	if _, ok := probe["message_id"]; ok {
		var ev models.EmailEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode email event: %w", err)
		}
		return &ev, nil
	}
	if _, ok := probe["body"]; !ok {
		return nil, errors.New("decode queue payload: neither a celery message nor an email event")
	}

	var msg celeryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode celery message: %w", err)
	}

	body := []byte(msg.Body)
	if enc, _ := msg.Properties["body_encoding"].(string); enc == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("decode celery body: %w", err)
		}
		body = decoded
	}

	var task celeryTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode celery task: %w", err)
	}
	if len(task.Args) == 0 {
		return nil, fmt.Errorf("celery task %s has no arguments", task.ID)
	}

	// The event is passed as a JSON string; accept an inline object too.
	var raw []byte
	switch arg := task.Args[0].(type) {
	case string:
		raw = []byte(arg)
	default:
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("re-encode celery argument: %w", err)
		}
		raw = b
	}

	var ev models.EmailEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode email event: %w", err)
	}
	return &ev, nil
}
