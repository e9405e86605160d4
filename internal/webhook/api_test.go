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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ccmc/ingestion/internal/mailapi"
	"github.com/ccmc/ingestion/internal/mailer"
)

type fakeSender struct {
	sent []mailapi.OutboundMessage
}

func (f *fakeSender) Send(ctx context.Context, msg mailapi.OutboundMessage) (string, error) {
	f.sent = append(f.sent, msg)
	return "em_out_1", nil
}

func newOutboundHandler(sender *fakeSender) *Handler {
	return NewHandler(HandlerConfig{
		Store:            &fakeStore{},
		Mail:             &fakeContentFetcher{},
		ReplyAttachments: &fakeMaterializer{},
		AdminAttachments: &fakeMaterializer{},
		Outbound:         mailer.New(sender, "verify@portal.example.org"),
	})
}

func TestServeContact(t *testing.T) {
	sender := &fakeSender{}
	h := newOutboundHandler(sender)

	rec, resp := postJSON(t, h.ServeContact, "/api/contact", map[string]any{
		"senderName": "Jane Doe",
		"fromEmail":  "jane@example.com",
		"recipients": []string{"clerk@county.gov"},
		"subject":    "Pothole on Main St [MSG-42]",
		"content":    "Please fix it.",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp["id"] != "em_out_1" {
		t.Errorf("response = %v", resp)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d", len(sender.sent))
	}
	if got := sender.sent[0].Subject; got != "Pothole on Main St [MSG-42]" {
		t.Errorf("Subject = %q", got)
	}
}

func TestServeContact_NoRecipients(t *testing.T) {
	sender := &fakeSender{}
	h := newOutboundHandler(sender)

	rec, _ := postJSON(t, h.ServeContact, "/api/contact", map[string]any{
		"senderName": "Jane Doe",
		"recipients": []string{"not-an-address"},
		"content":    "hello",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent = %d, want none", len(sender.sent))
	}
}

func TestServeContact_InvalidJSON(t *testing.T) {
	h := newOutboundHandler(&fakeSender{})

	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeContact(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeConfirmation(t *testing.T) {
	sender := &fakeSender{}
	h := newOutboundHandler(sender)

	rec, resp := postJSON(t, h.ServeConfirmation, "/api/confirmation", map[string]any{
		"email":    "jane@example.com",
		"fullName": "Jane Doe",
		"status":   "Confirmed",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp["id"] != "em_out_1" {
		t.Errorf("response = %v", resp)
	}
	if got := sender.sent[0].Subject; got != "Moore County Portal: Access Granted" {
		t.Errorf("Subject = %q", got)
	}
}
