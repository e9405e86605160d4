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

// Package webhook serves the inbound email pipelines. Each invocation is an
// independent, stateless run: normalize the payload, resolve missing
// content from the provider, sanitize the body, resolve the parent thread,
// materialize attachments, insert one record.
//
// Response contract: recoverable non-matches (no thread tag, unknown
// parent, duplicate delivery) answer 200 with a diagnostic body — a 4xx
// would make the provider redeliver forever. Only persistence failures
// surface as 500.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ccmc/ingestion/internal/deadletter"
	"github.com/ccmc/ingestion/internal/envelope"
	"github.com/ccmc/ingestion/internal/mailapi"
	"github.com/ccmc/ingestion/internal/mailer"
	"github.com/ccmc/ingestion/internal/sanitize"
	"github.com/ccmc/ingestion/internal/store"
	"github.com/ccmc/ingestion/internal/thread"
)

// ReplyStore is the slice of persistence the pipelines need.
type ReplyStore interface {
	GetParentContext(ctx context.Context, id string) (*store.ParentContext, error)
	InsertReply(ctx context.Context, r store.Reply) (bool, error)
	InsertAdminMessage(ctx context.Context, m store.AdminMessage) error
}

// ContentFetcher retrieves full message content from the mail provider.
type ContentFetcher interface {
	FetchReceived(ctx context.Context, messageID string) (*mailapi.Message, error)
}

// Deduper suppresses redelivered events by provider message id.
type Deduper interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
}

// Materializer re-hosts attachments and returns their public URLs.
type Materializer interface {
	Materialize(ctx context.Context, namespace, messageID string, refs []envelope.AttachmentRef) []string
}

// Handler serves the webhook and portal API endpoints.
type Handler struct {
	store            ReplyStore
	mail             ContentFetcher
	replyAttachments Materializer
	adminAttachments Materializer
	filter           Deduper
	deadLetter       *deadletter.Publisher
	outbound         *mailer.Mailer
	adminInbox       string
	officialSenders  []string
}

// HandlerConfig wires a Handler. Filter and DeadLetter may be nil; the
// pipelines degrade to running without them.
type HandlerConfig struct {
	Store            ReplyStore
	Mail             ContentFetcher
	ReplyAttachments Materializer
	AdminAttachments Materializer
	Filter           Deduper
	DeadLetter       *deadletter.Publisher
	Outbound         *mailer.Mailer
	AdminInbox       string
	OfficialSenders  []string
}

// NewHandler creates the webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		store:            cfg.Store,
		mail:             cfg.Mail,
		replyAttachments: cfg.ReplyAttachments,
		adminAttachments: cfg.AdminAttachments,
		filter:           cfg.Filter,
		deadLetter:       cfg.DeadLetter,
		outbound:         cfg.Outbound,
		adminInbox:       cfg.AdminInbox,
		officialSenders:  cfg.OfficialSenders,
	}
}

// Router mounts all endpoints on a fresh mux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/inbound-reply", h.ServeInboundReply)
	mux.HandleFunc("/hooks/admin-inbox", h.ServeAdminInbox)
	mux.HandleFunc("/api/contact", h.ServeContact)
	mux.HandleFunc("/api/confirmation", h.ServeConfirmation)
	return mux
}

// ServeInboundReply ingests one reply-to-thread email event.
func (h *Handler) ServeInboundReply(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	raw, payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	env := envelope.Normalize(payload)

	slog.Info("inbound reply received",
		"from", env.From.Email,
		"subject", env.Subject,
		"remote_message_id", env.RemoteMessageID,
		"text_len", len(env.Text),
		"html_len", len(env.HTML),
		"attachments", len(env.Attachments),
	)

	// Redelivery suppression. Redis being down means we cannot tell, so
	// process anyway — the store's unique index catches true duplicates.
	if env.RemoteMessageID != "" && h.filter != nil {
		isNew, err := h.filter.IsNew(ctx, env.RemoteMessageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("skipping redelivered event", "remote_message_id", env.RemoteMessageID)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
			return
		}
	}

	// Content resolution: the webhook often arrives without a body; fetch
	// the full message from the provider's receiving endpoint. Failure here
	// is never fatal — the sanitizer falls back from whatever we have.
	if env.Text == "" && env.HTML == "" && env.RemoteMessageID != "" {
		msg, err := h.mail.FetchReceived(ctx, env.RemoteMessageID)
		if err != nil {
			slog.Error("content fetch failed", "remote_message_id", env.RemoteMessageID, "error", err)
		} else if msg != nil {
			env.Text = msg.Text
			env.HTML = msg.HTML
			env.Attachments = append(env.Attachments, msg.Attachments...)
			slog.Info("content fetched from provider",
				"remote_message_id", env.RemoteMessageID,
				"text_len", len(env.Text),
				"html_len", len(env.HTML),
			)
		}
	}

	content := h.resolveContent(env)

	parentID, found := thread.ExtractTag(env.Subject)
	if !found {
		slog.Warn("no thread tag in subject, ignoring email",
			"from", env.From.Email,
			"subject", env.Subject,
		)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "diagnostic": "no thread tag in subject"})
		return
	}

	parent, err := h.store.GetParentContext(ctx, parentID)
	if err != nil {
		slog.Error("parent context lookup failed", "parent_id", parentID, "error", err)
		h.deadLetter.Publish(ctx, r.URL.Path, env.From.Email, env.Subject, err.Error(), raw)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if parent == nil {
		slog.Warn("parent message not found, ignoring email",
			"parent_id", parentID,
			"from", env.From.Email,
		)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "diagnostic": "parent message not found"})
		return
	}

	cls := thread.Classify(env.From.Email, parent.OwnerEmail, h.officialSenders)

	// Official replies are never attributed to the constituent's user id.
	var ownerID *string
	if !cls.IsOfficial {
		ownerID = parent.OwnerID
	}

	urls := h.replyAttachments.Materialize(ctx, parentID, env.RemoteMessageID, env.Attachments)

	subject := ""
	if parent.Subject != "" {
		subject = "Re: " + parent.Subject
	}

	reply := store.Reply{
		Content:         content,
		ParentID:        parentID,
		OwnerID:         ownerID,
		RecipientLabel:  cls.RecipientLabel,
		IsOfficial:      cls.IsOfficial,
		District:        parent.District,
		Subject:         subject,
		AttachmentURLs:  urls,
		RemoteMessageID: env.RemoteMessageID,
	}

	inserted, err := h.store.InsertReply(ctx, reply)
	if err != nil {
		slog.Error("reply insert failed",
			"parent_id", parentID,
			"from", env.From.Email,
			"content_len", len(content),
			"error", err,
		)
		h.deadLetter.Publish(ctx, r.URL.Path, env.From.Email, env.Subject, err.Error(), raw)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	slog.Info("reply threaded",
		"parent_id", parentID,
		"is_official", cls.IsOfficial,
		"inserted", inserted,
		"attachment_urls", len(urls),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": !inserted})
}

// resolveContent runs structured extraction, then the content hunter, then
// the placeholder. The hunter only activates when structured extraction
// yields next to nothing.
func (h *Handler) resolveContent(env envelope.Envelope) string {
	rawContent := env.Text
	if rawContent == "" {
		rawContent = env.HTML
	}
	content := sanitize.Clean(rawContent)
	if len(content) >= 2 {
		return content
	}

	if candidate, ok := sanitize.Hunt(env.Raw); ok {
		if hunted := sanitize.Clean(candidate); len(hunted) >= 2 {
			slog.Info("content recovered by payload scan", "content_len", len(hunted))
			return hunted
		}
	}

	slog.Warn("no message content recoverable, storing placeholder",
		"from", env.From.Email,
		"subject", env.Subject,
	)
	return sanitize.Placeholder
}

// preflight answers CORS preflight requests and filters out non-POST
// methods. Returns true when the request has been fully handled.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	corsHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return true
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

// decodePayload reads and decodes the JSON body. A body we cannot even
// parse gets a diagnostic 200 — telling the provider to retry an
// unparseable event would just replay the failure.
func decodePayload(w http.ResponseWriter, r *http.Request) ([]byte, map[string]any, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "diagnostic": "unreadable body"})
		return nil, nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("webhook body not valid JSON", "body_len", len(raw), "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "diagnostic": "invalid JSON payload"})
		return nil, nil, false
	}
	return raw, payload, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
