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

// Package mailapi is the client for the transactional mail provider's API:
// retrieval of received messages and their attachment binaries, and sending
// of outbound portal email.
package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/ccmc/ingestion/internal/envelope"
)

// Client talks to the mail provider API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a mail API client using the given HTTP client. Use
// AuthClient to build one that attaches the provider bearer credential.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// AuthClient builds an HTTP client that sends the provider API key as a
// bearer token on every request.
func AuthClient(ctx context.Context, apiKey string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})
	return oauth2.NewClient(ctx, src)
}

// Message is the provider's representation of one received email.
type Message struct {
	Text        string
	HTML        string
	Attachments []envelope.AttachmentRef
}

// receivedMessage mirrors the retrieval API response body.
type receivedMessage struct {
	Text        string `json:"text"`
	HTML        string `json:"html"`
	Attachments []struct {
		ID          string `json:"id"`
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
	} `json:"attachments"`
}

// FetchReceived retrieves a received (inbound) message by provider id.
//
// Inbound messages live under the receiving endpoint — the generic
// /emails/{id} endpoint only knows about sent mail and returns 404 for
// otherwise-valid inbound ids.
//
// Returns (nil, nil) when the provider reports the message as not found.
func (c *Client) FetchReceived(ctx context.Context, messageID string) (*Message, error) {
	url := fmt.Sprintf("%s/emails/receiving/%s", c.baseURL, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch received message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("received message not found at provider", "message_id", messageID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mail API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	// The retrieval API sometimes wraps the message under "data".
	var outer struct {
		Data json.RawMessage `json:"data"`
	}
	target := body
	if err := json.Unmarshal(body, &outer); err == nil && len(outer.Data) > 0 && string(outer.Data) != "null" {
		target = outer.Data
	}

	var raw receivedMessage
	if err := json.Unmarshal(target, &raw); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}

	msg := &Message{Text: raw.Text, HTML: raw.HTML}
	for _, a := range raw.Attachments {
		if a.ID == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, envelope.AttachmentRef{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
		})
	}
	return msg, nil
}

// FetchAttachment retrieves the raw bytes of one attachment of a received
// message.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	url := fmt.Sprintf("%s/emails/receiving/%s/attachments/%s", c.baseURL, messageID, attachmentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mail API returned HTTP %d for attachment %s/%s",
			resp.StatusCode, messageID, attachmentID)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	return data, nil
}

// OutboundMessage is one email to send through the provider.
type OutboundMessage struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// Send submits an outbound email and returns the provider-assigned id.
func (c *Client) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mail API returned HTTP %d: %s", resp.StatusCode, body)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}

	slog.Info("outbound email accepted", "provider_id", result.ID, "to_count", len(msg.To))
	return result.ID, nil
}
