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

package tools

import (
	"math"
	"regexp"
	"strings"
)

// Redactor scrubs secrets from tool output before it reaches the model
// context. Always-on patterns cover credentials; infrastructure patterns
// (emails, private IPs, AWS account IDs) are policy-controlled.
type Redactor struct {
	infrastructure bool
}

// NewRedactor builds a redactor; infrastructure toggles the optional
// pattern set.
func NewRedactor(infrastructure bool) *Redactor {
	return &Redactor{infrastructure: infrastructure}
}

var alwaysRedact = []struct {
	re          *regexp.Regexp
	replacement string
}{
	// Private key blocks first, before narrower patterns eat their innards.
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED_PRIVATE_KEY]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`), "[REDACTED_BEARER]"},
	// AWS access key id and secret pairs.
	{regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), "[REDACTED_AWS_KEY]"},
	{regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*\S+`), "aws_secret_access_key=[REDACTED]"},
	// Credentials embedded in connection URIs.
	{regexp.MustCompile(`\b([a-z][a-z0-9+.-]*)://([^:/\s]+):([^@/\s]+)@`), "$1://$2:[REDACTED]@"},
	// JWTs: three dot-separated base64url segments.
	{regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]{8,}\.[A-Za-z0-9\-_]{8,}\.[A-Za-z0-9\-_]{8,}\b`), "[REDACTED_JWT]"},
	// Common token prefixes.
	{regexp.MustCompile(`\b(ghp|gho|ghs|ghu|github_pat|sk|xoxb|xoxp)_[A-Za-z0-9_\-]{12,}\b`), "[REDACTED_TOKEN]"},
}

var infraRedact = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(10\.\d{1,3}|172\.(1[6-9]|2\d|3[01])|192\.168)\.\d{1,3}\.\d{1,3}\b`), "[REDACTED_IP]"},
	{regexp.MustCompile(`\b\d{12}\b`), "[REDACTED_ACCOUNT]"},
}

// candidate high-entropy tokens: long unbroken base64-ish runs.
var entropyCandidate = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{32,}\b`)

// Redact applies the configured pattern sets to s.
func (r *Redactor) Redact(s string) string {
	for _, p := range alwaysRedact {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	s = entropyCandidate.ReplaceAllStringFunc(s, func(tok string) string {
		if looksRandom(tok) {
			return "[REDACTED_HIGH_ENTROPY]"
		}
		return tok
	})
	if r.infrastructure {
		for _, p := range infraRedact {
			s = p.re.ReplaceAllString(s, p.replacement)
		}
	}
	return s
}

// looksRandom estimates Shannon entropy per character; identifiers and
// hex-encoded hashes read below the 4.2 bits/char of a random credential.
func looksRandom(s string) bool {
	if len(s) < 32 {
		return false
	}
	// SHA hex digests are evidence (image digests, dedupe keys), not
	// secrets.
	if isHex(s) {
		return false
	}
	counts := map[rune]int{}
	for _, c := range s {
		counts[c]++
	}
	var entropy float64
	n := float64(len(s))
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.2
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(c rune) bool {
		return !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F')
	}) < 0
}
