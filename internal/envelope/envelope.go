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

// Package envelope normalizes inbound email webhook payloads.
//
// The mail provider's webhook format varies across configurations and
// versions: the email object may sit at the root or under "data", the
// sender may be a raw "Name <addr>" string or a pre-parsed object, and
// body text appears under half a dozen different keys. All of that
// shape-guessing lives here; everything downstream works from the strict
// Envelope type.
package envelope

import (
	"regexp"
	"strings"
)

// Address is a resolved sender or recipient.
type Address struct {
	Email string
	Name  string
}

// AttachmentRef describes one attachment as reported by the webhook or the
// message-retrieval API. Either ID (fetch required) or URL (pre-resolved)
// may be set.
type AttachmentRef struct {
	ID          string
	Filename    string
	ContentType string
	URL         string
}

// Envelope is the canonical form of one inbound email event. It lives only
// for the duration of one pipeline run and is never persisted.
type Envelope struct {
	From            Address
	Subject         string
	RemoteMessageID string
	Text            string
	HTML            string
	Recipients      []string
	Attachments     []AttachmentRef

	// Raw is the original decoded payload, kept for the content-hunter
	// fallback when structured extraction comes up empty.
	Raw map[string]any
}

var (
	angleAddr   = regexp.MustCompile(`<(.+?)>`)
	displayName = regexp.MustCompile(`^"?(.*?)"?\s*<`)
)

// Normalize unwraps an arbitrary webhook payload into an Envelope. It never
// fails: missing or unrecognized fields map to zero values and downstream
// stages degrade gracefully.
func Normalize(body map[string]any) Envelope {
	payload := body
	if d, ok := body["data"].(map[string]any); ok {
		payload = d
	}

	env := Envelope{
		From:            parseFrom(fromField(payload)),
		Subject:         stringField(payload, "subject"),
		RemoteMessageID: firstString(payload, "email_id", "id"),
		Text:            firstString(payload, "text", "body", "content", "stripped-text", "body-plain"),
		HTML:            firstString(payload, "html", "body-html"),
		Recipients:      recipients(payload),
		Attachments:     ParseAttachments(payload["attachments"]),
		Raw:             body,
	}
	return env
}

// fromField returns the raw "from" value, falling back to headers.from.
func fromField(payload map[string]any) any {
	if v, ok := payload["from"]; ok && v != nil {
		return v
	}
	if h, ok := payload["headers"].(map[string]any); ok {
		return h["from"]
	}
	return nil
}

// parseFrom resolves the sender variant once: either a pre-parsed object
// with email/address fields, or a raw "Display Name <addr>" string.
func parseFrom(raw any) Address {
	switch v := raw.(type) {
	case map[string]any:
		email := firstString(v, "email", "address")
		return Address{
			Email: strings.ToLower(strings.TrimSpace(email)),
			Name:  asString(v["name"]),
		}
	case string:
		addr := v
		if m := angleAddr.FindStringSubmatch(v); m != nil {
			addr = m[1]
		}
		name := ""
		if m := displayName.FindStringSubmatch(v); m != nil {
			name = m[1]
		}
		return Address{
			Email: strings.ToLower(strings.TrimSpace(addr)),
			Name:  strings.TrimSpace(name),
		}
	default:
		return Address{}
	}
}

// stringField reads a key from the payload, falling back to the same key
// under "headers".
func stringField(payload map[string]any, key string) string {
	if s := asString(payload[key]); s != "" {
		return s
	}
	if h, ok := payload["headers"].(map[string]any); ok {
		return asString(h[key])
	}
	return ""
}

// recipients normalizes the "to" field, which may be a string or a list of
// strings or address objects.
func recipients(payload map[string]any) []string {
	var out []string
	add := func(v any) {
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(t)))
			}
		case map[string]any:
			if a := firstString(t, "email", "address"); a != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(a)))
			}
		}
	}
	switch v := payload["to"].(type) {
	case []any:
		for _, item := range v {
			add(item)
		}
	default:
		add(v)
	}
	return out
}

// ParseAttachments converts a raw attachment list into descriptors. Unknown
// entries are skipped rather than erroring.
func ParseAttachments(raw any) []AttachmentRef {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var refs []AttachmentRef
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := AttachmentRef{
			ID:          asString(m["id"]),
			Filename:    asString(m["filename"]),
			ContentType: asString(m["content_type"]),
			URL:         firstString(m, "url", "link"),
		}
		if ref.ID == "" && ref.URL == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
