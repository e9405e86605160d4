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

// Package attachments materializes inbound email attachments: each binary
// is fetched from the mail provider and re-hosted in the portal's object
// store under a thread-scoped path, yielding public URLs for the feed.
package attachments

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ccmc/ingestion/internal/envelope"
)

// BinaryFetcher retrieves attachment bytes from the mail provider.
type BinaryFetcher interface {
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
}

// Materializer copies attachments from the provider into object storage.
type Materializer struct {
	fetcher BinaryFetcher
	store   Uploader
	bucket  string
	now     func() time.Time
}

// NewMaterializer creates a materializer targeting the given bucket.
func NewMaterializer(fetcher BinaryFetcher, store Uploader, bucket string) *Materializer {
	return &Materializer{
		fetcher: fetcher,
		store:   store,
		bucket:  bucket,
		now:     time.Now,
	}
}

// Materialize processes each attachment descriptor and returns the public
// URLs for the ones that could be stored. Descriptors that already carry a
// resolved URL pass through untouched. A failure on one attachment is
// logged and that attachment omitted; the rest continue.
func (m *Materializer) Materialize(ctx context.Context, namespace, messageID string, refs []envelope.AttachmentRef) []string {
	var urls []string
	for _, ref := range refs {
		switch {
		case ref.URL != "":
			urls = append(urls, ref.URL)
		case ref.ID != "":
			u, err := m.materializeOne(ctx, namespace, messageID, ref)
			if err != nil {
				slog.Error("attachment materialization failed",
					"message_id", messageID,
					"attachment_id", ref.ID,
					"filename", ref.Filename,
					"error", err,
				)
				continue
			}
			urls = append(urls, u)
		}
	}
	return urls
}

func (m *Materializer) materializeOne(ctx context.Context, namespace, messageID string, ref envelope.AttachmentRef) (string, error) {
	if m.store == nil {
		return "", fmt.Errorf("no object storage configured")
	}

	data, err := m.fetcher.FetchAttachment(ctx, messageID, ref.ID)
	if err != nil {
		return "", err
	}

	name := SanitizeFilename(ref.Filename)
	if name == "" {
		name = ref.ID
	}
	path := fmt.Sprintf("inbound/%s/%d_%s", namespace, m.now().Unix(), name)

	// The provider-supplied content type is not trusted; browsers render
	// inline based on what we store, so sniff from the extension.
	publicURL, err := m.store.Upload(ctx, m.bucket, path, data, SniffContentType(ref.Filename))
	if err != nil {
		return "", err
	}

	slog.Info("attachment stored",
		"message_id", messageID,
		"path", path,
		"bytes", len(data),
	)

	// Keep the human-readable filename as a display hint.
	if ref.Filename != "" {
		publicURL += "?filename=" + url.QueryEscape(ref.Filename)
	}
	return publicURL, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.]`)

// SanitizeFilename strips every character outside [A-Za-z0-9.] so the name
// is safe as a storage path segment.
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "")
}

// SniffContentType maps a filename extension to the content type stored
// with the object. Common inline-renderable types are pinned explicitly;
// anything unrecognized downloads as a binary blob.
func SniffContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
