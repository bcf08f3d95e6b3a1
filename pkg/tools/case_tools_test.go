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
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/identity"
)

var _ = Describe("snapshot.query", func() {
	It("extracts snapshot fields with a jq expression", func() {
		scope := caseScope("payments")
		out, err := querySnapshot(context.Background(), scope, Args{
			"expression": ".target.namespace",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{"payments"}))
	})

	It("walks nested structures", func() {
		scope := caseScope("payments")
		out, err := querySnapshot(context.Background(), scope, Args{
			"expression": "{pod: .target.pod, cluster: .target.cluster}",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out.([]any)[0]).To(HaveKeyWithValue("pod", "checkout-7d9f-abcde"))
		Expect(out.([]any)[0]).To(HaveKeyWithValue("cluster", "prod-east"))
	})

	It("rejects a missing expression", func() {
		_, err := querySnapshot(context.Background(), caseScope("payments"), Args{})
		Expect(err).To(MatchError(ContainSubstring("expression is required")))
	})

	It("rejects an invalid expression as bad args", func() {
		_, err := querySnapshot(context.Background(), caseScope("payments"), Args{
			"expression": ".target[",
		})
		Expect(err).To(MatchError(ContainSubstring("tool_exception:BadArgs")))
	})

	It("requires a snapshot in scope", func() {
		_, err := querySnapshot(context.Background(), &Scope{Mode: ScopeCase}, Args{
			"expression": ".target",
		})
		Expect(err).To(MatchError("case_id_required"))
	})
})

var _ = Describe("SkillsLibrary", func() {
	const doc = `
skills:
  - name: crashloop-triage
    families: [crashloop]
    summary: Check the last container exit and recent config changes.
    steps:
      - Read the previous container logs.
      - Diff the last two rollouts.
  - name: always-check-events
    families: ["*"]
    summary: Kubernetes events usually name the blocker.
`

	It("parses skills and matches by family", func() {
		lib, err := ParseSkills([]byte(doc))
		Expect(err).NotTo(HaveOccurred())
		Expect(lib.Len()).To(Equal(2))

		skills := lib.ForFamily(identity.FamilyCrashloop)
		Expect(skills).To(HaveLen(2))
		Expect(skills[0].Name).To(Equal("crashloop-triage"))
		Expect(skills[1].Name).To(Equal("always-check-events"), "wildcard applies to every family")

		Expect(lib.ForFamily(identity.FamilyOOMKilled)).To(HaveLen(1))
	})

	It("rejects a skill without a name", func() {
		_, err := ParseSkills([]byte("skills:\n  - families: [crashloop]\n    summary: x\n"))
		Expect(err).To(MatchError(ContainSubstring("has no name")))
	})

	It("rejects a skill without families", func() {
		_, err := ParseSkills([]byte("skills:\n  - name: orphan\n    summary: x\n"))
		Expect(err).To(MatchError(ContainSubstring("lists no families")))
	})

	It("is safe to query when nil", func() {
		var lib *SkillsLibrary
		Expect(lib.Len()).To(BeZero())
		Expect(lib.ForFamily(identity.FamilyCrashloop)).To(BeEmpty())
	})
})
