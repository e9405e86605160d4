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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ccmc/ingestion/internal/envelope"
	"github.com/ccmc/ingestion/internal/mailapi"
	"github.com/ccmc/ingestion/internal/sanitize"
	"github.com/ccmc/ingestion/internal/store"
)

type fakeStore struct {
	parents   map[string]*store.ParentContext
	replies   []store.Reply
	admin     []store.AdminMessage
	getErr    error
	insertErr error
}

func (f *fakeStore) GetParentContext(ctx context.Context, id string) (*store.ParentContext, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.parents[id], nil
}

func (f *fakeStore) InsertReply(ctx context.Context, r store.Reply) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	f.replies = append(f.replies, r)
	return true, nil
}

func (f *fakeStore) InsertAdminMessage(ctx context.Context, m store.AdminMessage) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.admin = append(f.admin, m)
	return nil
}

type fakeContentFetcher struct {
	msg   *mailapi.Message
	err   error
	calls int
}

func (f *fakeContentFetcher) FetchReceived(ctx context.Context, messageID string) (*mailapi.Message, error) {
	f.calls++
	return f.msg, f.err
}

type fakeDeduper struct {
	isNew bool
	err   error
}

func (f *fakeDeduper) IsNew(ctx context.Context, messageID string) (bool, error) {
	return f.isNew, f.err
}

type fakeMaterializer struct {
	urls  []string
	calls int
	refs  []envelope.AttachmentRef
}

func (f *fakeMaterializer) Materialize(ctx context.Context, namespace, messageID string, refs []envelope.AttachmentRef) []string {
	f.calls++
	f.refs = append(f.refs, refs...)
	if len(refs) == 0 {
		return nil
	}
	return f.urls
}

func strPtr(s string) *string { return &s }

func newTestHandler(st *fakeStore, fetcher *fakeContentFetcher) *Handler {
	return NewHandler(HandlerConfig{
		Store:            st,
		Mail:             fetcher,
		ReplyAttachments: &fakeMaterializer{},
		AdminAttachments: &fakeMaterializer{},
		AdminInbox:       "admin@portal.example.org",
		OfficialSenders:  []string{"@county.gov"},
	})
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)

	var resp map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("response not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestInboundReply_ConstituentReply(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {
			ID:         "42",
			OwnerID:    strPtr("user-1"),
			District:   "4",
			Subject:    "Pothole on Main St",
			OwnerEmail: "jane@example.com",
		},
	}}
	fetcher := &fakeContentFetcher{}
	h := newTestHandler(st, fetcher)

	rec, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "Jane Doe <jane@example.com>",
		"subject": "Re: Pothole on Main St [MSG-42]",
		"text":    "Thanks for the update.\n\nOn Jan 1, 2024, at 3:00 PM, Clerk wrote:\n> We are on it.",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp["success"] != true {
		t.Errorf("response = %v", resp)
	}
	if len(st.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(st.replies))
	}

	r := st.replies[0]
	if r.Content != "Thanks for the update." {
		t.Errorf("Content = %q", r.Content)
	}
	if r.ParentID != "42" {
		t.Errorf("ParentID = %q", r.ParentID)
	}
	if r.IsOfficial {
		t.Error("IsOfficial = true, want false for the thread owner")
	}
	if r.RecipientLabel != "Officials" {
		t.Errorf("RecipientLabel = %q", r.RecipientLabel)
	}
	if r.OwnerID == nil || *r.OwnerID != "user-1" {
		t.Errorf("OwnerID = %v, want user-1", r.OwnerID)
	}
	if r.District != "4" {
		t.Errorf("District = %q", r.District)
	}
	if r.Subject != "Re: Pothole on Main St" {
		t.Errorf("Subject = %q", r.Subject)
	}
	if fetcher.calls != 0 {
		t.Errorf("content fetcher called %d times despite inline text", fetcher.calls)
	}
}

func TestInboundReply_OfficialReply(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {
			ID:         "42",
			OwnerID:    strPtr("user-1"),
			Subject:    "Pothole on Main St",
			OwnerEmail: "jane@example.com",
		},
	}}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "County Clerk <clerk@county.gov>",
		"subject": "RE: Pothole on Main St [MSG-42]",
		"text":    "Crew dispatched this morning.",
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	r := st.replies[0]
	if !r.IsOfficial {
		t.Error("IsOfficial = false, want true for a non-owner sender")
	}
	if r.RecipientLabel != "Constituent" {
		t.Errorf("RecipientLabel = %q", r.RecipientLabel)
	}
	// Official replies are never attributed to the constituent's account.
	if r.OwnerID != nil {
		t.Errorf("OwnerID = %v, want nil", *r.OwnerID)
	}
}

func TestInboundReply_AllowlistClassification(t *testing.T) {
	// Parent with no registered owner email: classification falls back to
	// the configured allowlist.
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"7": {ID: "7", Subject: "Budget question"},
	}}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, _ = postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "treasurer@county.gov",
		"subject": "[MSG-7] Re: Budget question",
		"text":    "Figures attached below.",
	})

	if len(st.replies) != 1 {
		t.Fatalf("replies = %d", len(st.replies))
	}
	if !st.replies[0].IsOfficial {
		t.Error("allowlisted domain not classified as official")
	}
}

func TestInboundReply_NoThreadTag(t *testing.T) {
	st := &fakeStore{}
	h := newTestHandler(st, &fakeContentFetcher{})

	rec, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "someone@example.com",
		"subject": "Unrelated newsletter",
		"text":    "Buy now!",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 to stop provider retries", rec.Code)
	}
	if resp["success"] != false {
		t.Errorf("response = %v", resp)
	}
	if len(st.replies) != 0 {
		t.Errorf("replies = %d, want none", len(st.replies))
	}
}

func TestInboundReply_ParentNotFound(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{}}
	h := newTestHandler(st, &fakeContentFetcher{})

	rec, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "jane@example.com",
		"subject": "Re: Old thread [MSG-999]",
		"text":    "Is anyone there?",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp["success"] != false || resp["diagnostic"] != "parent message not found" {
		t.Errorf("response = %v", resp)
	}
	if len(st.replies) != 0 {
		t.Errorf("replies = %d", len(st.replies))
	}
}

func TestInboundReply_ParentLookupError(t *testing.T) {
	st := &fakeStore{getErr: fmt.Errorf("connection refused")}
	h := newTestHandler(st, &fakeContentFetcher{})

	rec, _ := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "jane@example.com",
		"subject": "[MSG-42]",
		"text":    "hello there",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 on persistence failure", rec.Code)
	}
}

func TestInboundReply_FetchesMissingContent(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {ID: "42", OwnerEmail: "jane@example.com", Subject: "Pothole"},
	}}
	fetcher := &fakeContentFetcher{msg: &mailapi.Message{
		Text: "Fetched from the provider.",
		Attachments: []envelope.AttachmentRef{
			{ID: "att_1", Filename: "report.pdf"},
		},
	}}
	replyAtt := &fakeMaterializer{urls: []string{"https://store.example.org/report.pdf"}}
	h := NewHandler(HandlerConfig{
		Store:            st,
		Mail:             fetcher,
		ReplyAttachments: replyAtt,
		AdminAttachments: &fakeMaterializer{},
	})

	_, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":     "jane@example.com",
		"subject":  "Re: Pothole [MSG-42]",
		"email_id": "em_1",
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
	r := st.replies[0]
	if r.Content != "Fetched from the provider." {
		t.Errorf("Content = %q", r.Content)
	}
	if r.RemoteMessageID != "em_1" {
		t.Errorf("RemoteMessageID = %q", r.RemoteMessageID)
	}
	if len(r.AttachmentURLs) != 1 || r.AttachmentURLs[0] != "https://store.example.org/report.pdf" {
		t.Errorf("AttachmentURLs = %v", r.AttachmentURLs)
	}
}

func TestInboundReply_PlaceholderWhenContentGone(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {ID: "42", OwnerEmail: "jane@example.com"},
	}}
	// The provider no longer has the message: fetch returns nothing.
	fetcher := &fakeContentFetcher{msg: nil}
	h := newTestHandler(st, fetcher)

	_, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":     "jane@example.com",
		"subject":  "Re: Pothole [MSG-42]",
		"email_id": "em_gone",
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if len(st.replies) != 1 {
		t.Fatalf("replies = %d, want the placeholder insert", len(st.replies))
	}
	if st.replies[0].Content != sanitize.Placeholder {
		t.Errorf("Content = %q, want placeholder", st.replies[0].Content)
	}
}

func TestInboundReply_ContentHunted(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {ID: "42", OwnerEmail: "jane@example.com"},
	}}
	h := newTestHandler(st, &fakeContentFetcher{})

	// No text/html anywhere structured, but a plausible body hides in an
	// unrecognized field.
	_, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "jane@example.com",
		"subject": "Re: Pothole [MSG-42]",
		"payload": map[string]any{
			"snippet": "The crosswalk paint has completely faded.",
		},
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if got := st.replies[0].Content; got != "The crosswalk paint has completely faded." {
		t.Errorf("Content = %q", got)
	}
}

func TestInboundReply_DuplicateDelivery(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {ID: "42", OwnerEmail: "jane@example.com"},
	}}
	fetcher := &fakeContentFetcher{}
	h := NewHandler(HandlerConfig{
		Store:            st,
		Mail:             fetcher,
		ReplyAttachments: &fakeMaterializer{},
		AdminAttachments: &fakeMaterializer{},
		Filter:           &fakeDeduper{isNew: false},
	})

	rec, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":     "jane@example.com",
		"subject":  "Re: Pothole [MSG-42]",
		"text":     "Thanks again.",
		"email_id": "em_1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp["success"] != true || resp["duplicate"] != true {
		t.Errorf("response = %v", resp)
	}
	if len(st.replies) != 0 {
		t.Errorf("replies = %d, want none for a redelivery", len(st.replies))
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher called for a suppressed event")
	}
}

func TestInboundReply_DedupErrorProceeds(t *testing.T) {
	st := &fakeStore{parents: map[string]*store.ParentContext{
		"42": {ID: "42", OwnerEmail: "jane@example.com"},
	}}
	h := NewHandler(HandlerConfig{
		Store:            st,
		Mail:             &fakeContentFetcher{},
		ReplyAttachments: &fakeMaterializer{},
		AdminAttachments: &fakeMaterializer{},
		Filter:           &fakeDeduper{err: fmt.Errorf("redis down")},
	})

	_, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":     "jane@example.com",
		"subject":  "Re: Pothole [MSG-42]",
		"text":     "Still processing despite redis.",
		"email_id": "em_1",
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if len(st.replies) != 1 {
		t.Errorf("replies = %d, want 1 when dedup is unavailable", len(st.replies))
	}
}

func TestInboundReply_InsertError(t *testing.T) {
	st := &fakeStore{
		parents:   map[string]*store.ParentContext{"42": {ID: "42", OwnerEmail: "jane@example.com"}},
		insertErr: fmt.Errorf("deadlock detected"),
	}
	h := newTestHandler(st, &fakeContentFetcher{})

	rec, resp := postJSON(t, h.ServeInboundReply, "/hooks/inbound-reply", map[string]any{
		"from":    "jane@example.com",
		"subject": "[MSG-42]",
		"text":    "this one fails",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if _, ok := resp["error"]; !ok {
		t.Errorf("response = %v, want error field", resp)
	}
}

func TestInboundReply_InvalidJSON(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &fakeContentFetcher{})

	req := httptest.NewRequest(http.MethodPost, "/hooks/inbound-reply", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	h.ServeInboundReply(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so the provider stops retrying", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestInboundReply_Preflight(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &fakeContentFetcher{})

	req := httptest.NewRequest(http.MethodOptions, "/hooks/inbound-reply", nil)
	rec := httptest.NewRecorder()
	h.ServeInboundReply(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestAdminInbox_StoresMessage(t *testing.T) {
	st := &fakeStore{}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, resp := postJSON(t, h.ServeAdminInbox, "/hooks/admin-inbox", map[string]any{
		"from":    "Resident <resident@example.com>",
		"to":      []string{"admin@portal.example.org"},
		"subject": "Records request",
		"text":    "Please send me the meeting minutes.",
	})

	if resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if len(st.admin) != 1 {
		t.Fatalf("admin messages = %d", len(st.admin))
	}
	m := st.admin[0]
	if m.FromEmail != "resident@example.com" {
		t.Errorf("FromEmail = %q", m.FromEmail)
	}
	if m.FromName != "Resident" {
		t.Errorf("FromName = %q", m.FromName)
	}
	if m.SecurityFlag != sanitize.FlagClean {
		t.Errorf("SecurityFlag = %q", m.SecurityFlag)
	}
}

func TestAdminInbox_FiltersOtherRecipients(t *testing.T) {
	st := &fakeStore{}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, resp := postJSON(t, h.ServeAdminInbox, "/hooks/admin-inbox", map[string]any{
		"from":    "clerk@county.gov",
		"to":      []string{"jane@example.com"},
		"subject": "Re: Pothole [MSG-42]",
		"text":    "This belongs to the reply pipeline.",
	})

	if resp["filtered"] != true {
		t.Errorf("response = %v", resp)
	}
	if len(st.admin) != 0 {
		t.Errorf("admin messages = %d, want none", len(st.admin))
	}
}

func TestAdminInbox_SecurityScanFlags(t *testing.T) {
	st := &fakeStore{}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, _ = postJSON(t, h.ServeAdminInbox, "/hooks/admin-inbox", map[string]any{
		"from":    "unknown@example.com",
		"to":      []string{"admin@portal.example.org"},
		"subject": "Invoice",
		"text":    "Open the attached invoice.exe immediately.",
	})

	if len(st.admin) != 1 {
		t.Fatalf("admin messages = %d", len(st.admin))
	}
	m := st.admin[0]
	if m.SecurityFlag != sanitize.FlagWarning {
		t.Errorf("SecurityFlag = %q, want warning", m.SecurityFlag)
	}
	if m.SecurityNote == "" {
		t.Error("SecurityNote empty")
	}
}

func TestAdminInbox_DefaultsNameAndSubject(t *testing.T) {
	st := &fakeStore{}
	h := newTestHandler(st, &fakeContentFetcher{})

	_, _ = postJSON(t, h.ServeAdminInbox, "/hooks/admin-inbox", map[string]any{
		"from": "bare@example.com",
		"to":   []string{"admin@portal.example.org"},
		"text": "No subject on this one.",
	})

	m := st.admin[0]
	if m.FromName != "External Sender" {
		t.Errorf("FromName = %q", m.FromName)
	}
	if m.Subject != "No Subject" {
		t.Errorf("Subject = %q", m.Subject)
	}
}
