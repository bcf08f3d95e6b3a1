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

package llm_test

import (
	"context"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/llm"
)

var _ = Describe("DecodeStructured", func() {
	type plan struct {
		Reason string `json:"reason"`
		Calls  int    `json:"calls"`
	}

	It("decodes a bare JSON object", func() {
		var p plan
		Expect(llm.DecodeStructured(`{"reason":"check logs","calls":2}`, &p)).To(Succeed())
		Expect(p.Reason).To(Equal("check logs"))
		Expect(p.Calls).To(Equal(2))
	})

	It("tolerates code fences around the object", func() {
		var p plan
		reply := "Here is the plan:\n```json\n{\"reason\":\"ok\",\"calls\":1}\n```\nDone."
		Expect(llm.DecodeStructured(reply, &p)).To(Succeed())
		Expect(p.Calls).To(Equal(1))
	})

	It("balances braces inside string values", func() {
		var p plan
		Expect(llm.DecodeStructured(`{"reason":"use {curly} syntax","calls":3}`, &p)).To(Succeed())
		Expect(p.Reason).To(Equal("use {curly} syntax"))
	})

	It("fails when no object is present", func() {
		var p plan
		Expect(llm.DecodeStructured("I cannot answer that.", &p)).To(HaveOccurred())
	})

	It("fails on an unterminated object", func() {
		var p plan
		Expect(llm.DecodeStructured(`{"reason":"trunc`, &p)).To(HaveOccurred())
	})
})

var _ = Describe("New", func() {
	It("rejects a missing provider with the stable code", func() {
		_, err := llm.New(context.Background(), llm.Config{}, logr.Discard())
		Expect(err).To(MatchError(ContainSubstring("provider_not_configured")))
	})

	It("rejects an unknown provider", func() {
		_, err := llm.New(context.Background(), llm.Config{Provider: "cohere"}, logr.Discard())
		Expect(err).To(MatchError(ContainSubstring("provider_not_configured")))
	})

	It("rejects anthropic without an api key", func() {
		_, err := llm.New(context.Background(), llm.Config{Provider: "anthropic", Model: "claude"}, logr.Discard())
		Expect(err).To(MatchError(ContainSubstring("missing_api_key")))
	})

	It("rejects openai without an api key", func() {
		_, err := llm.New(context.Background(), llm.Config{Provider: "openai", Model: "gpt"}, logr.Discard())
		Expect(err).To(MatchError(ContainSubstring("missing_api_key")))
	})
})
