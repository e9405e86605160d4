// Copyright (c) 2026 Concerned Citizens of Moore County
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

// Package deadletter captures webhook payloads whose persistence failed so
// an operator can replay them after the underlying fault is fixed. Entries
// go to a Redis list; cmd/replay drains it back through the webhook.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one failed webhook delivery plus enough context to triage it.
type Entry struct {
	ID       string          `json:"id"`
	Endpoint string          `json:"endpoint"`
	Sender   string          `json:"sender"`
	Subject  string          `json:"subject"`
	Reason   string          `json:"reason"`
	FailedAt string          `json:"failed_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Publisher pushes failed payloads to the dead-letter list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a dead-letter publisher targeting the given list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish records one failed delivery. A dead-letter failure must never
// mask the original error, so problems here are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, endpoint, sender, subject, reason string, payload []byte) {
	if p == nil || p.rdb == nil {
		return
	}

	entry := Entry{
		ID:       uuid.New().String(),
		Endpoint: endpoint,
		Sender:   sender,
		Subject:  subject,
		Reason:   reason,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Payload:  json.RawMessage(payload),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("marshal dead-letter entry", "error", err)
		return
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(data)).Err(); err != nil {
		slog.Error("dead-letter LPUSH failed", "entry_id", entry.ID, "error", err)
		return
	}

	slog.Info("payload dead-lettered",
		"entry_id", entry.ID,
		"endpoint", endpoint,
		"sender", sender,
		"reason", reason,
	)
}

// Pop removes and returns the oldest dead-letter entry, or nil when the
// list is empty.
func Pop(ctx context.Context, rdb *redis.Client, queueName string) (*Entry, error) {
	raw, err := rdb.RPop(ctx, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dead-letter RPOP: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode dead-letter entry: %w", err)
	}
	return &entry, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
