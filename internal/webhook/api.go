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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ccmc/ingestion/internal/mailer"
)

// ServeContact sends a constituent's public-record message to officials.
// The outbound subject carries the [MSG-<id>] tag, so official replies land
// back in the inbound-reply pipeline.
func (h *Handler) ServeContact(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	var req mailer.ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON payload"})
		return
	}

	id, err := h.outbound.SendContact(r.Context(), req)
	if err != nil {
		slog.Error("contact send failed",
			"sender", req.FromEmail,
			"recipients", len(req.Recipients),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	slog.Info("contact message sent", "provider_id", id, "subject", req.Subject)
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// ServeConfirmation sends a voter-verification outcome notice.
func (h *Handler) ServeConfirmation(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	var req mailer.ConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON payload"})
		return
	}

	id, err := h.outbound.SendConfirmation(r.Context(), req)
	if err != nil {
		slog.Error("confirmation send failed", "email", req.Email, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}
