/*
Copyright 2026 The Tarka Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import "regexp"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeKeyComponent makes a string safe for use as an object-storage key
// segment. Runs of unsafe characters collapse to a single underscore; an
// empty result becomes "unknown".
func SanitizeKeyComponent(s string) string {
	out := unsafeKeyChars.ReplaceAllString(s, "_")
	if out == "" {
		return "unknown"
	}
	return out
}

// ReportKeys are the two object keys written per run:
// {sanitized_alertname}/{identity}.md and the same with .json.
type ReportKeys struct {
	Markdown string
	JSON     string
}

// KeysFor computes the object keys for a run.
func KeysFor(alertname, identityKey string) ReportKeys {
	base := SanitizeKeyComponent(alertname) + "/" + SanitizeKeyComponent(identityKey)
	return ReportKeys{
		Markdown: base + ".md",
		JSON:     base + ".json",
	}
}
