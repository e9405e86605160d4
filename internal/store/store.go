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

// Package store provides the Postgres-backed persistence for threaded
// replies and admin inbox messages. Parent records and user profiles are
// owned by the portal application; this service only reads them.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ParentContext is the stored context of the record an inbound reply
// attaches to. Read-only within the pipeline.
type ParentContext struct {
	ID         string
	OwnerID    *string // nil when the parent has no platform user
	District   string
	Subject    string
	OwnerEmail string // registered email of the owner, empty when unknown
}

// Reply is the threaded record this service creates.
type Reply struct {
	Content         string
	ParentID        string
	OwnerID         *string // nil for replies attributed to external/official responders
	RecipientLabel  string
	IsOfficial      bool
	District        string
	Subject         string
	AttachmentURLs  []string
	RemoteMessageID string // provider message id, used as the idempotency key
}

// AdminMessage is one message delivered to the portal's admin inbox.
type AdminMessage struct {
	FromEmail      string
	FromName       string
	Subject        string
	Content        string
	HTMLContent    string
	AttachmentURLs []string
	SecurityFlag   string
	SecurityNote   string
}

// Store provides persistence operations against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given Postgres pool. It ensures
// the tables this service writes to exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("message store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS board_messages (
			id                TEXT PRIMARY KEY,
			user_id           TEXT,
			parent_id         TEXT,
			content           TEXT NOT NULL,
			recipient_names   TEXT,
			is_official       BOOLEAN DEFAULT FALSE,
			district          TEXT,
			subject           TEXT,
			attachment_urls   TEXT[] DEFAULT '{}',
			remote_message_id TEXT,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_board_messages_parent ON board_messages(parent_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_board_messages_remote
			ON board_messages(remote_message_id) WHERE remote_message_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS admin_messages (
			id              TEXT PRIMARY KEY,
			from_email      TEXT NOT NULL,
			from_name       TEXT,
			subject         TEXT,
			content         TEXT,
			html_content    TEXT,
			attachment_urls TEXT[] DEFAULT '{}',
			security_flag   TEXT DEFAULT 'clean',
			security_note   TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// GetParentContext loads the owning user, district, subject, and — where a
// profile exists — the owner's registered email for a board message.
// Returns nil when no such record exists.
func (s *Store) GetParentContext(ctx context.Context, id string) (*ParentContext, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT bm.id, bm.user_id,
		       COALESCE(bm.district, ''), COALESCE(bm.subject, ''),
		       COALESCE(p.email, '')
		FROM board_messages bm
		LEFT JOIN profiles p ON p.id = bm.user_id
		WHERE bm.id = $1
	`, id)

	var pc ParentContext
	err := row.Scan(&pc.ID, &pc.OwnerID, &pc.District, &pc.Subject, &pc.OwnerEmail)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load parent context %s: %w", id, err)
	}
	return &pc, nil
}

// InsertReply inserts exactly one threaded reply. Redelivered webhook
// events carrying a provider message id hit the unique index on
// remote_message_id and are dropped; the return reports whether a row was
// actually created.
func (s *Store) InsertReply(ctx context.Context, r Reply) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO board_messages
			(id, user_id, parent_id, content, recipient_names, is_official,
			 district, subject, attachment_urls, remote_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''))
		ON CONFLICT (remote_message_id) WHERE remote_message_id IS NOT NULL
		DO NOTHING
	`, uuid.NewString(), r.OwnerID, r.ParentID, r.Content, r.RecipientLabel,
		r.IsOfficial, r.District, r.Subject, urlArray(r.AttachmentURLs), r.RemoteMessageID)
	if err != nil {
		return false, fmt.Errorf("insert reply for parent %s: %w", r.ParentID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertAdminMessage records one admin inbox message.
func (s *Store) InsertAdminMessage(ctx context.Context, m AdminMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_messages
			(id, from_email, from_name, subject, content, html_content,
			 attachment_urls, security_flag, security_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.NewString(), m.FromEmail, m.FromName, m.Subject, m.Content,
		m.HTMLContent, urlArray(m.AttachmentURLs), m.SecurityFlag, m.SecurityNote)
	if err != nil {
		return fmt.Errorf("insert admin message from %s: %w", m.FromEmail, err)
	}
	return nil
}

// urlArray normalizes a possibly-nil slice so the TEXT[] column always
// receives an array value.
func urlArray(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
