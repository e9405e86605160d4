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

// Package sanitize turns raw email text or HTML into a readable reply body
// with quoted history, signatures, and markup removed.
package sanitize

import (
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Placeholder is stored when body extraction fails entirely. Replies are
// never persisted with empty content.
const Placeholder = "(Message content could not be retrieved)"

// stripPolicy removes every tag and drops the contents of non-visible
// elements entirely.
var stripPolicy = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.SkipElementsContent("style", "script", "head", "title")
	return p
}()

var lineBreakTags = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</tr>`)

// boundaries are scanned in order; the text is truncated at the first
// occurrence of each. A match at offset zero is left alone — a reply that
// opens with "From:" is the reply, not a quoted header block.
var boundaries = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\n\s*On\s.*wrote:`),
	regexp.MustCompile(`(?i)On\s.*at\s.*wrote`),
	regexp.MustCompile(`(?i)\n\s*-{3,}\s*Original Message\s*-{3,}`),
	regexp.MustCompile(`(?i)\n\s*-{3,}\s*Forwarded message\s*-{3,}`),
	regexp.MustCompile(`(?i)\n\s*From:\s`),
	regexp.MustCompile(`(?i)\n\s*Sent from my`),
	regexp.MustCompile(`\n\s*_{2,}`),
	regexp.MustCompile(`(?m)^\s*\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}.*GMT.*$`),
}

var (
	quotedLine = regexp.MustCompile(`^\s*(>|---+\s*$|\*\*\*+\s*$)`)
	blankRuns  = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
)

// Clean converts raw text or HTML into a plain-text reply body: markup is
// stripped, the text is truncated at the first quoted-reply or signature
// boundary, quoted lines are dropped, and blank-line runs are collapsed.
// Cleaning already-clean text is a no-op apart from whitespace trimming.
func Clean(raw string) string {
	if raw == "" {
		return ""
	}

	source := raw
	if strings.ContainsRune(source, '<') {
		source = lineBreakTags.ReplaceAllString(source, "\n")
		source = stripPolicy.Sanitize(source)
	}
	// bluemonday escapes entities on the way out; the stored body is plain
	// text, not HTML, so decode them back.
	source = html.UnescapeString(source)

	for _, re := range boundaries {
		if loc := re.FindStringIndex(source); loc != nil && loc[0] > 0 {
			source = source[:loc[0]]
		}
	}

	lines := strings.Split(source, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if quotedLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	source = strings.Join(kept, "\n")

	source = blankRuns.ReplaceAllString(source, "\n\n")
	return strings.TrimSpace(source)
}

// metadata keys that can never be a message body, no matter how long their
// values are.
var huntExclude = map[string]bool{
	"from":       true,
	"to":         true,
	"subject":    true,
	"id":         true,
	"email_id":   true,
	"created_at": true,
	"type":       true,
	"object":     true,
	"reply_to":   true,
	"address":    true,
	"name":       true,
	"email":      true,
}

// Hunt is the last-resort content scan: it walks the entire original
// payload looking for the first string that plausibly reads as a message
// body (longer than 3 characters, contains whitespace, not under a known
// metadata key). It exists because observed webhook payload shapes vary
// unpredictably across provider configurations; callers must only reach for
// it after structured extraction has failed, and must re-run Clean on the
// result.
func Hunt(payload map[string]any) (string, bool) {
	return huntValue(payload, false)
}

func huntValue(v any, excluded bool) (string, bool) {
	switch t := v.(type) {
	case string:
		if !excluded && looksLikeBody(t) {
			return t, true
		}
	case map[string]any:
		// map iteration order is randomized; walk keys sorted so the
		// "first" candidate is stable across runs
		for _, k := range sortedKeys(t) {
			if s, ok := huntValue(t[k], huntExclude[k]); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := huntValue(item, excluded); ok {
				return s, true
			}
		}
	}
	return "", false
}

func looksLikeBody(s string) bool {
	return len(s) > 3 && strings.ContainsAny(s, " \t\n")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
