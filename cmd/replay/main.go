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

// Moore County Transparency Portal — Dead-Letter Replay Command
//
// Standalone CLI tool that drains the dead-letter queue and re-delivers
// each payload to the running ingestion service. Run it after fixing the
// fault (database outage, schema problem) that caused the original
// failures.
//
// Usage:
//
//	go run ./cmd/replay/ [--target http://localhost:8080] [--limit 100] [--dry-run]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccmc/ingestion/internal/config"
	"github.com/ccmc/ingestion/internal/deadletter"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	targetFlag := flag.String("target", "http://localhost:8080", "Base URL of the running ingestion service")
	limitFlag := flag.Int("limit", 100, "Maximum number of entries to replay")
	dryRunFlag := flag.Bool("dry-run", false, "Pop nothing; print what would be replayed")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	if *dryRunFlag {
		pending, err := rdb.LLen(ctx, cfg.DeadLetterQueue).Result()
		if err != nil {
			slog.Error("failed to inspect dead-letter queue", "error", err)
			os.Exit(1)
		}
		slog.Info("dry run", "queue", cfg.DeadLetterQueue, "pending", pending)
		return
	}

	target := strings.TrimRight(*targetFlag, "/")
	client := &http.Client{Timeout: 60 * time.Second}

	replayed, failed := 0, 0
	for replayed+failed < *limitFlag {
		entry, err := deadletter.Pop(ctx, rdb, cfg.DeadLetterQueue)
		if err != nil {
			slog.Error("failed to pop dead-letter entry", "error", err)
			os.Exit(1)
		}
		if entry == nil {
			break
		}

		if ok := redeliver(ctx, client, target+entry.Endpoint, entry); ok {
			replayed++
		} else {
			failed++
			// Put the entry back so nothing is lost; it stays queued for
			// the next replay run.
			if data, err := json.Marshal(entry); err == nil {
				if err := rdb.LPush(ctx, cfg.DeadLetterQueue, string(data)).Err(); err != nil {
					slog.Error("failed to requeue entry", "entry_id", entry.ID, "error", err)
				}
			}
		}
	}

	slog.Info("replay finished", "replayed", replayed, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// redeliver POSTs one dead-lettered payload back through the webhook. A
// non-2xx answer means the fault is still present.
func redeliver(ctx context.Context, client *http.Client, url string, entry *deadletter.Entry) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(entry.Payload))
	if err != nil {
		slog.Error("failed to build replay request", "entry_id", entry.ID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		slog.Error("replay delivery failed", "entry_id", entry.ID, "error", err)
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("replay rejected",
			"entry_id", entry.ID,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return false
	}

	slog.Info("entry replayed",
		"entry_id", entry.ID,
		"endpoint", entry.Endpoint,
		"sender", entry.Sender,
		"original_failure", entry.Reason,
	)
	return true
}
