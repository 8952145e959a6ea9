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

// Package queue moves email events and reports through Redis lists. Email
// events arrive from the ingestion service as Celery-compatible tasks and
// reports leave the same way for the notification workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/guardian/internal/assessment"
)

// ReportTask is the Celery task name reports are published under.
const ReportTask = "notifications.tasks.notify_report"

// Publisher sends assessment reports to Redis in Celery task format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// celeryTask represents a Celery-compatible task message.
// Celery reads tasks from Redis using this exact JSON structure.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// envelope serialises payload as the single argument of a Celery task.
func envelope(queueName, taskName string, payload any) (taskID string, msg []byte, err error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	taskID = uuid.New().String()

	task := celeryTask{
		ID:     taskID,
		Task:   taskName,
		Args:   []interface{}{string(payloadJSON)},
		Kwargs: map[string]interface{}{},
	}
	taskBody, err := json.Marshal(task)
	if err != nil {
		return "", nil, fmt.Errorf("marshal celery task: %w", err)
	}

	m := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       queueName,
			"routing_key":    queueName,
			"delivery_info": map[string]string{
				"exchange":    queueName,
				"routing_key": queueName,
			},
		},
	}
	msg, err = json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("marshal celery message: %w", err)
	}
	return taskID, msg, nil
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "redis" }

// Write publishes a finalised report as a Celery task.
func (p *Publisher) Write(ctx context.Context, r *assessment.Report) error {
	taskID, msg, err := envelope(p.queueName, ReportTask, r)
	if err != nil {
		return err
	}

	// Celery uses LPUSH to the queue
	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published report to queue",
		"task_id", taskID,
		"ticket_id", r.TicketID,
		"message_id", r.MessageID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
