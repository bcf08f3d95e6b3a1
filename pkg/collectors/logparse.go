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

package collectors

import (
	"regexp"
	"strings"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// Log classification is deterministic so two runs over the same capture
// produce identical evidence. Pattern priority: FATAL/CRITICAL outranks
// exceptions/panics, which outrank plain ERROR lines.
var (
	fatalPattern     = regexp.MustCompile(`(?i)\b(FATAL|CRITICAL)\b`)
	exceptionPattern = regexp.MustCompile(`(\bException\b|\bTraceback\b|\bpanic:\s)`)
	errorPattern     = regexp.MustCompile(`(?i)\bERROR\b`)
)

const maxParsedMessage = 240

// ParseLogs classifies a captured log set. Timestamps and line indices are
// preserved; messages are truncated to keep the evidence JSON bounded.
func ParseLogs(lines []investigation.LogLine) *investigation.ParsedLogs {
	parsed := &investigation.ParsedLogs{
		PatternCounts: map[string]int{},
	}
	if len(lines) == 0 {
		parsed.Status = "empty"
		return parsed
	}

	seen := map[string]bool{}
	hasFatal, hasError := false, false

	for _, line := range lines {
		severity, pattern := classifyLine(line.Text)
		if severity == "" {
			continue
		}
		switch severity {
		case "fatal", "exception":
			hasFatal = true
		case "error":
			hasError = true
		}

		parsed.PatternCounts[pattern]++
		if !seen[pattern] {
			seen[pattern] = true
			parsed.UniquePatterns = append(parsed.UniquePatterns, pattern)
		}
		parsed.Entries = append(parsed.Entries, investigation.ParsedEntry{
			Index:     line.Index,
			Timestamp: line.Timestamp,
			Severity:  severity,
			Pattern:   pattern,
			Message:   truncate(line.Text, maxParsedMessage),
		})
	}

	switch {
	case hasFatal:
		parsed.Status = "fatal_found"
	case hasError:
		parsed.Status = "errors_found"
	default:
		parsed.Status = "clean"
	}
	return parsed
}

func classifyLine(text string) (severity, pattern string) {
	if m := fatalPattern.FindString(text); m != "" {
		return "fatal", strings.ToUpper(m)
	}
	if m := exceptionPattern.FindString(text); m != "" {
		return "exception", strings.TrimSpace(strings.TrimSuffix(m, ":"))
	}
	if m := errorPattern.FindString(text); m != "" {
		return "error", strings.ToUpper(m)
	}
	return "", ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// SelectSnippets picks an actionable subset of the parsed log set for the
// report: the highest-severity entries first, then later entries over
// earlier ones, so startup banners do not dominate downstream RCA.
func SelectSnippets(parsed *investigation.ParsedLogs, cap int) []investigation.ParsedEntry {
	if parsed == nil || len(parsed.Entries) == 0 || cap <= 0 {
		return nil
	}

	rank := func(severity string) int {
		switch severity {
		case "fatal":
			return 0
		case "exception":
			return 1
		default:
			return 2
		}
	}

	picked := make([]investigation.ParsedEntry, len(parsed.Entries))
	copy(picked, parsed.Entries)
	// stable selection: severity rank, then recency (higher index first)
	for i := 1; i < len(picked); i++ {
		for j := i; j > 0; j-- {
			a, b := picked[j-1], picked[j]
			if rank(b.Severity) < rank(a.Severity) ||
				(rank(b.Severity) == rank(a.Severity) && b.Index > a.Index) {
				picked[j-1], picked[j] = b, a
			} else {
				break
			}
		}
	}
	if len(picked) > cap {
		picked = picked[:cap]
	}
	return picked
}
