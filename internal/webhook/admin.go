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

package webhook

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ccmc/ingestion/internal/envelope"
	"github.com/ccmc/ingestion/internal/sanitize"
	"github.com/ccmc/ingestion/internal/store"
)

// ServeAdminInbox ingests email addressed to the portal's admin mailbox.
// Unlike thread replies these are free-standing messages: no thread tag, no
// classification — but they do get a security scan before an admin reads
// them.
func (h *Handler) ServeAdminInbox(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	raw, payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	env := envelope.Normalize(payload)

	// Routing: the provider delivers every inbound email to every hook;
	// only mail actually addressed to the admin inbox belongs here.
	if h.adminInbox != "" && !addressedTo(env.Recipients, h.adminInbox) {
		slog.Info("email not for admin inbox, skipping",
			"from", env.From.Email,
			"recipients", len(env.Recipients),
		)
		writeJSON(w, http.StatusOK, map[string]any{"filtered": true})
		return
	}

	fromName := env.From.Name
	if fromName == "" {
		fromName = "External Sender"
	}
	subject := env.Subject
	if subject == "" {
		subject = "No Subject"
	}

	var urls []string
	if env.Text == "" && env.HTML == "" && env.RemoteMessageID != "" {
		msg, err := h.mail.FetchReceived(ctx, env.RemoteMessageID)
		if err != nil {
			slog.Error("admin content fetch failed", "remote_message_id", env.RemoteMessageID, "error", err)
		} else if msg != nil {
			env.Text = msg.Text
			env.HTML = msg.HTML
			urls = h.adminAttachments.Materialize(ctx, env.RemoteMessageID, env.RemoteMessageID, msg.Attachments)
		}
	}

	flag, note := sanitize.ScanSecurity(env.Text, env.HTML)
	if flag != sanitize.FlagClean {
		slog.Warn("admin message flagged by security scan",
			"from", env.From.Email,
			"note", note,
		)
	}

	msg := store.AdminMessage{
		FromEmail:      env.From.Email,
		FromName:       fromName,
		Subject:        subject,
		Content:        env.Text,
		HTMLContent:    env.HTML,
		AttachmentURLs: urls,
		SecurityFlag:   flag,
		SecurityNote:   note,
	}

	if err := h.store.InsertAdminMessage(ctx, msg); err != nil {
		slog.Error("admin message insert failed", "from", env.From.Email, "error", err)
		h.deadLetter.Publish(ctx, r.URL.Path, env.From.Email, env.Subject, err.Error(), raw)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	slog.Info("admin message stored",
		"from", env.From.Email,
		"security_flag", flag,
		"attachment_urls", len(urls),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func addressedTo(recipients []string, inbox string) bool {
	inbox = strings.ToLower(inbox)
	for _, addr := range recipients {
		if strings.Contains(strings.ToLower(addr), inbox) {
			return true
		}
	}
	return false
}
