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

// Moore County Transparency Portal — Email Ingestion Service
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (replies) and Redis (dedup + dead letter)
//  3. Builds authenticated clients for the mail provider and object storage
//  4. Serves the inbound webhook and portal mail endpoints
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ccmc/ingestion/internal/attachments"
	"github.com/ccmc/ingestion/internal/config"
	"github.com/ccmc/ingestion/internal/deadletter"
	"github.com/ccmc/ingestion/internal/dedup"
	"github.com/ccmc/ingestion/internal/mailapi"
	"github.com/ccmc/ingestion/internal/mailer"
	"github.com/ccmc/ingestion/internal/storage"
	"github.com/ccmc/ingestion/internal/store"
	"github.com/ccmc/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting portal email ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"mail_api", cfg.MailAPIBaseURL,
		"official_senders", len(cfg.OfficialSenders),
		"admin_inbox_configured", cfg.AdminInbox != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	messageStore, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis (dedup + dead letter) ---
	// The pipeline runs without Redis: dedup degrades to the database's
	// unique index and failed payloads are only logged, not queued.
	var (
		rdb        *redis.Client
		filter     webhook.Deduper
		deadLetter *deadletter.Publisher
	)
	if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		slog.Warn("invalid REDIS_URL, running without dedup and dead letter", "error", err)
	} else {
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, running without dedup and dead letter", "error", err)
			rdb.Close()
			rdb = nil
		} else {
			filter = dedup.NewFilter(rdb)
			deadLetter = deadletter.NewPublisher(rdb, cfg.DeadLetterQueue)
			slog.Info("connected to Redis", "dead_letter_queue", cfg.DeadLetterQueue)
		}
	}

	// --- Mail provider + object storage clients ---
	mailClient := mailapi.NewClient(mailapi.AuthClient(ctx, cfg.MailAPIKey), cfg.MailAPIBaseURL)

	var uploader attachments.Uploader
	if cfg.StorageBaseURL != "" {
		uploader = storage.NewClient(mailapi.AuthClient(ctx, cfg.StorageServiceKey), cfg.StorageBaseURL)
	} else {
		slog.Warn("no object storage configured, attachments will be dropped")
	}

	handler := webhook.NewHandler(webhook.HandlerConfig{
		Store:            messageStore,
		Mail:             mailClient,
		ReplyAttachments: attachments.NewMaterializer(mailClient, uploader, cfg.ReplyBucket),
		AdminAttachments: attachments.NewMaterializer(mailClient, uploader, cfg.AdminInboxBucket),
		Filter:           filter,
		DeadLetter:       deadLetter,
		Outbound:         mailer.New(mailClient, cfg.PortalSender),
		AdminInbox:       cfg.AdminInbox,
		OfficialSenders:  cfg.OfficialSenders,
	})

	mux := handler.Router()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		if rdb != nil {
			rdb.Close()
		}
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
