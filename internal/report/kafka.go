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

package report

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bcem/guardian/internal/assessment"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each report as a JSON message keyed on its ticket id.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}
}

// Name identifies the sink in logs.
func (k *KafkaSink) Name() string { return "kafka" }

// Write publishes the report.
func (k *KafkaSink) Write(ctx context.Context, r *assessment.Report) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.TicketID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "disposition", Value: []byte(r.Disposition)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
