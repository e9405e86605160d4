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

package sanitize

import (
	"regexp"
	"strings"
)

// Security flags attached to admin inbox messages.
const (
	FlagClean   = "clean"
	FlagWarning = "warning"
)

var (
	dangerousExtensions = regexp.MustCompile(`(?i)\.(exe|scr|vbs|bat|js|zip|rar|7z)\b`)
	suspiciousLinks     = regexp.MustCompile(`(?i)(bit\.ly|t\.co|tinyurl\.com|goo\.gl)`)
)

// ScanSecurity inspects admin-bound message content for references to
// dangerous file types and shortened/tracking links. It never blocks
// delivery; the flag and note are surfaced to the admin alongside the
// message.
func ScanSecurity(text, html string) (flag, note string) {
	flag = FlagClean
	var notes []string

	if dangerousExtensions.MatchString(text) || dangerousExtensions.MatchString(html) {
		flag = FlagWarning
		notes = append(notes, "Warning: Message contains references to potentially dangerous file types.")
	}
	if suspiciousLinks.MatchString(text) || suspiciousLinks.MatchString(html) {
		flag = FlagWarning
		notes = append(notes, "Detected shortened/tracking links.")
	}

	return flag, strings.Join(notes, " ")
}
