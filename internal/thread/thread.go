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

// Package thread links inbound replies to their parent records. Outbound
// portal emails carry a [MSG-<id>] tag in the subject line; extracting it
// recovers the parent, and comparing the sender against the parent owner's
// registered email classifies the reply as official or constituent.
package thread

import (
	"regexp"
	"strings"
)

// Display labels stored on the reply for the portal feed. The label names
// the reply's audience: a constituent writes to "Officials", an official
// writes back to the "Constituent".
const (
	LabelOfficials   = "Officials"
	LabelConstituent = "Constituent"
)

// tagPattern accepts any non-bracket, non-whitespace identifier so that a
// change of id format upstream (numeric today, UUID tomorrow) keeps
// threading intact.
var tagPattern = regexp.MustCompile(`(?i)\[MSG-([^\]\s]+)\]`)

// ExtractTag pulls the parent identifier out of a subject line. The second
// return is false when the subject carries no recognizable tag.
func ExtractTag(subject string) (string, bool) {
	m := tagPattern.FindStringSubmatch(subject)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Classification is the single decision that drives both the is_official
// flag and the recipient display label. The two are always set together.
type Classification struct {
	IsOfficial     bool
	RecipientLabel string
}

// Classify decides whether the sender is the original constituent or an
// official responder. The primary signal is a case-insensitive match
// against the parent owner's registered email; when the parent has no
// registered email, the sender is checked against the configured official
// allowlist (full addresses or bare domains).
func Classify(senderEmail, ownerEmail string, officialSenders []string) Classification {
	sender := strings.ToLower(strings.TrimSpace(senderEmail))
	owner := strings.ToLower(strings.TrimSpace(ownerEmail))

	var official bool
	if owner != "" {
		official = sender != owner
	} else {
		official = matchesAllowlist(sender, officialSenders)
	}

	if official {
		return Classification{IsOfficial: true, RecipientLabel: LabelConstituent}
	}
	return Classification{IsOfficial: false, RecipientLabel: LabelOfficials}
}

func matchesAllowlist(sender string, entries []string) bool {
	domain := ""
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		domain = sender[at+1:]
	}
	for _, entry := range entries {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		switch {
		case strings.HasPrefix(e, "@"):
			if domain != "" && domain == e[1:] {
				return true
			}
		case strings.Contains(e, "@"):
			if e == sender {
				return true
			}
		default:
			if domain != "" && domain == e {
				return true
			}
		}
	}
	return false
}
