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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL        string
	DeadLetterQueue string

	// Mail provider API
	MailAPIBaseURL string
	MailAPIKey     string

	// Object storage
	StorageBaseURL    string
	StorageServiceKey string
	ReplyBucket       string
	AdminInboxBucket  string

	// Portal identity
	PortalSender    string   // verified outbound From address
	AdminInbox      string   // address that routes to the admin inbox pipeline
	OfficialSenders []string // official classification allowlist (domains or full addresses)

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			DeadLetter string `yaml:"dead_letter"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Mail struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"mail"`
	Storage struct {
		BaseURL    string `yaml:"base_url"`
		ServiceKey string `yaml:"service_key"`
		Buckets    struct {
			Replies    string `yaml:"replies"`
			AdminInbox string `yaml:"admin_inbox"`
		} `yaml:"buckets"`
	} `yaml:"storage"`
	Portal struct {
		Sender          string   `yaml:"sender"`
		AdminInbox      string   `yaml:"admin_inbox"`
		OfficialSenders []string `yaml:"official_senders"`
	} `yaml:"portal"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for overrides. The YAML file is optional — a
// deployment may configure everything through the environment.
func Load() (*Config, error) {
	var raw rawConfig

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:       firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:          firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DeadLetterQueue:   firstNonEmpty(raw.Redis.Queues.DeadLetter, envOrDefault("DEAD_LETTER_QUEUE", "inbound:deadletter")),
		MailAPIBaseURL:    firstNonEmpty(raw.Mail.BaseURL, envOrDefault("MAIL_API_BASE_URL", "https://api.resend.com")),
		MailAPIKey:        firstNonEmpty(raw.Mail.APIKey, os.Getenv("MAIL_API_KEY")),
		StorageBaseURL:    firstNonEmpty(raw.Storage.BaseURL, os.Getenv("STORAGE_BASE_URL")),
		StorageServiceKey: firstNonEmpty(raw.Storage.ServiceKey, os.Getenv("STORAGE_SERVICE_KEY")),
		ReplyBucket:       firstNonEmpty(raw.Storage.Buckets.Replies, envOrDefault("REPLY_BUCKET", "reply_attachments")),
		AdminInboxBucket:  firstNonEmpty(raw.Storage.Buckets.AdminInbox, envOrDefault("ADMIN_INBOX_BUCKET", "admin_inbox_attachments")),
		PortalSender:      firstNonEmpty(raw.Portal.Sender, os.Getenv("PORTAL_SENDER")),
		AdminInbox:        firstNonEmpty(raw.Portal.AdminInbox, os.Getenv("ADMIN_INBOX")),
		OfficialSenders:   raw.Portal.OfficialSenders,
		Port:              envOrDefaultInt("PORT", 8080),
	}

	// Env override wins for the allowlist: comma-separated domains/addresses
	if v := os.Getenv("OFFICIAL_SENDERS"); v != "" {
		cfg.OfficialSenders = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.OfficialSenders = append(cfg.OfficialSenders, s)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MailAPIKey == "" {
		return nil, fmt.Errorf("MAIL_API_KEY is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
