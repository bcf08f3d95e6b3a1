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

package collectors_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

func lines(texts ...string) []investigation.LogLine {
	out := make([]investigation.LogLine, len(texts))
	for i, t := range texts {
		out[i] = investigation.LogLine{Index: i, Text: t}
	}
	return out
}

var _ = Describe("ParseLogs", func() {
	It("reports empty status for an empty capture", func() {
		parsed := collectors.ParseLogs(nil)
		Expect(parsed.Status).To(Equal("empty"))
		Expect(parsed.Entries).To(BeEmpty())
	})

	It("reports clean when no pattern matches", func() {
		parsed := collectors.ParseLogs(lines(
			"starting server on :8080",
			"connected to database",
		))
		Expect(parsed.Status).To(Equal("clean"))
		Expect(parsed.Entries).To(BeEmpty())
	})

	It("classifies ERROR lines without fatal as errors_found", func() {
		parsed := collectors.ParseLogs(lines(
			"request handled",
			"ERROR failed to reach upstream",
		))
		Expect(parsed.Status).To(Equal("errors_found"))
		Expect(parsed.Entries).To(HaveLen(1))
		Expect(parsed.Entries[0].Severity).To(Equal("error"))
	})

	It("lets FATAL outrank ERROR for the overall status", func() {
		parsed := collectors.ParseLogs(lines(
			"ERROR transient retry",
			"FATAL cannot bind listen address",
		))
		Expect(parsed.Status).To(Equal("fatal_found"))
	})

	It("treats panics and tracebacks as fatal-grade", func() {
		parsed := collectors.ParseLogs(lines(
			"panic: runtime error: invalid memory address",
		))
		Expect(parsed.Status).To(Equal("fatal_found"))
		Expect(parsed.Entries[0].Severity).To(Equal("exception"))
	})

	It("counts patterns and records each unique pattern once", func() {
		parsed := collectors.ParseLogs(lines(
			"ERROR one",
			"ERROR two",
			"FATAL boom",
		))
		Expect(parsed.PatternCounts["ERROR"]).To(Equal(2))
		Expect(parsed.PatternCounts["FATAL"]).To(Equal(1))
		Expect(parsed.UniquePatterns).To(ConsistOf("ERROR", "FATAL"))
	})

	It("truncates long messages", func() {
		long := "ERROR " + strings.Repeat("x", 500)
		parsed := collectors.ParseLogs(lines(long))
		Expect(len(parsed.Entries[0].Message)).To(BeNumerically("<", len(long)))
		Expect(parsed.Entries[0].Message).To(HaveSuffix("..."))
	})

	It("is deterministic across runs over the same capture", func() {
		input := lines("ERROR a", "FATAL b", "panic: c")
		Expect(collectors.ParseLogs(input)).To(Equal(collectors.ParseLogs(input)))
	})
})

var _ = Describe("SelectSnippets", func() {
	It("orders by severity then recency", func() {
		parsed := collectors.ParseLogs(lines(
			"ERROR early",
			"FATAL the real cause",
			"ERROR late",
		))
		picked := collectors.SelectSnippets(parsed, 2)
		Expect(picked).To(HaveLen(2))
		Expect(picked[0].Message).To(ContainSubstring("the real cause"))
		Expect(picked[1].Message).To(ContainSubstring("late"))
	})

	It("prefers later entries over startup banners at equal severity", func() {
		parsed := collectors.ParseLogs(lines(
			"ERROR startup banner noise",
			"ERROR mid",
			"ERROR most recent",
		))
		picked := collectors.SelectSnippets(parsed, 2)
		Expect(picked[0].Message).To(ContainSubstring("most recent"))
		Expect(picked[1].Message).To(ContainSubstring("mid"))
	})

	It("returns nil for empty input or zero cap", func() {
		Expect(collectors.SelectSnippets(nil, 5)).To(BeNil())
		parsed := collectors.ParseLogs(lines("ERROR x"))
		Expect(collectors.SelectSnippets(parsed, 0)).To(BeNil())
	})
})

var _ = Describe("ParseImageRef", func() {
	It("parses a plain Docker Hub reference", func() {
		ref, err := collectors.ParseImageRef("nginx:1.25")
		Expect(err).ToNot(HaveOccurred())
		Expect(ref.Repository).To(Equal("library/nginx"))
		Expect(ref.Tag).To(Equal("1.25"))
		Expect(ref.ECR).To(BeFalse())
	})

	It("detects ECR hosts and extracts account and region", func() {
		ref, err := collectors.ParseImageRef("123456789012.dkr.ecr.eu-west-1.amazonaws.com/payments/api:v42")
		Expect(err).ToNot(HaveOccurred())
		Expect(ref.ECR).To(BeTrue())
		Expect(ref.ECRAccount).To(Equal("123456789012"))
		Expect(ref.ECRRegion).To(Equal("eu-west-1"))
		Expect(ref.Repository).To(Equal("payments/api"))
		Expect(ref.Tag).To(Equal("v42"))
	})

	It("recovers the tag from tag@digest references", func() {
		ref, err := collectors.ParseImageRef(
			"registry.example.com/app:v1@sha256:4b8e63b1b276434e0d06bfa4fedeba4d7a1ce1709fd476ff5d9209f0c291fbb1")
		Expect(err).ToNot(HaveOccurred())
		Expect(ref.Tag).To(Equal("v1"))
		Expect(ref.Digest).To(HavePrefix("sha256:"))
	})

	It("rejects garbage", func() {
		_, err := collectors.ParseImageRef(":::")
		Expect(err).To(HaveOccurred())
	})
})

var _ = DescribeTable("ClassifyPullError",
	func(message, bucket string) {
		Expect(collectors.ClassifyPullError(message)).To(Equal(bucket))
	},
	Entry("missing tag", "manifest unknown: tag v99 not found", "not_found"),
	Entry("missing repository", "repository does not exist or may require auth", "not_found"),
	Entry("expired credentials", "unauthorized: authentication required", "auth"),
	Entry("denied pull", "pull access denied for private/app", "auth"),
	Entry("certificate failure", "x509: certificate signed by unknown authority", "tls"),
	Entry("registry unreachable", "dial tcp: i/o timeout", "network"),
	Entry("dns failure", "no such host", "network"),
	Entry("anything else", "blob upload invalid", "unknown"),
)
