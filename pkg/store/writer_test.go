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

package store_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/objstore"
	"github.com/tarka-ai/tarka/pkg/store"
)

var _ = Describe("SanitizeKeyComponent", func() {
	It("collapses runs of unsafe characters to one underscore", func() {
		Expect(store.SanitizeKeyComponent("ns/pod name!!x")).To(Equal("ns_pod_name_x"))
	})

	It("keeps safe characters untouched", func() {
		Expect(store.SanitizeKeyComponent("Kube_Pod-1.2")).To(Equal("Kube_Pod-1.2"))
	})

	It("turns an empty result into unknown", func() {
		Expect(store.SanitizeKeyComponent("")).To(Equal("unknown"))
		Expect(store.SanitizeKeyComponent("///")).To(Equal("_"))
	})
})

var _ = Describe("KeysFor", func() {
	It("builds paired .md and .json keys", func() {
		keys := store.KeysFor("KubePodCrashLooping", "abc123")
		Expect(keys.Markdown).To(Equal("KubePodCrashLooping/abc123.md"))
		Expect(keys.JSON).To(Equal("KubePodCrashLooping/abc123.json"))
	})
})

var _ = Describe("ReportWriter", func() {
	var (
		mem    *objstore.Memory
		writer *store.ReportWriter
		keys   store.ReportKeys
		now    time.Time
	)

	BeforeEach(func() {
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		mem = objstore.NewMemory()
		mem.Clock = func() time.Time { return now }
		writer = store.NewReportWriter(mem, logr.Discard()).WithClock(func() time.Time { return now })
		keys = store.KeysFor("KubePodCrashLooping", "id-1")
	})

	It("writes both artifacts on first sight", func() {
		result, err := writer.Write(context.Background(), keys, "# report", []byte(`{}`), false)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.WroteMarkdown).To(BeTrue())
		Expect(result.WroteJSON).To(BeTrue())
		Expect(mem.Len()).To(Equal(2))
	})

	It("skips a second write of the same identity", func() {
		_, err := writer.Write(context.Background(), keys, "# v1", []byte(`{}`), false)
		Expect(err).ToNot(HaveOccurred())

		result, err := writer.Write(context.Background(), keys, "# v2", []byte(`{}`), false)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.SkippedExisting).To(BeTrue())

		body, err := mem.Get(context.Background(), keys.Markdown)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("# v1"))
	})

	It("keeps a fresh report under the rollout refresh gate", func() {
		_, err := writer.Write(context.Background(), keys, "# v1", []byte(`{}`), true)
		Expect(err).ToNot(HaveOccurred())
		mem.Touch(keys.Markdown, now.Add(-30*time.Minute))

		result, err := writer.Write(context.Background(), keys, "# v2", []byte(`{}`), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.SkippedExisting).To(BeTrue())
	})

	It("overwrites a stale report under the rollout refresh gate", func() {
		_, err := writer.Write(context.Background(), keys, "# v1", []byte(`{}`), true)
		Expect(err).ToNot(HaveOccurred())
		mem.Touch(keys.Markdown, now.Add(-2*time.Hour))

		result, err := writer.Write(context.Background(), keys, "# v2", []byte(`{}`), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.WroteMarkdown).To(BeTrue())

		body, err := mem.Get(context.Background(), keys.Markdown)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("# v2"))
	})

	It("never refreshes without the rollout flag, no matter the age", func() {
		_, err := writer.Write(context.Background(), keys, "# v1", []byte(`{}`), false)
		Expect(err).ToNot(HaveOccurred())
		mem.Touch(keys.Markdown, now.Add(-48*time.Hour))

		result, err := writer.Write(context.Background(), keys, "# v2", []byte(`{}`), false)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.SkippedExisting).To(BeTrue())
	})
})
