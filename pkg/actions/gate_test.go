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

package actions

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
)

var _ = Describe("Gate", func() {
	var gate *Gate

	BeforeEach(func() {
		var err error
		gate, err = NewGate(context.Background(), "", true, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
	})

	It("allows anyone to propose", func() {
		d, err := gate.Evaluate(context.Background(), Input{
			Verb: "propose", ActionType: "restart_pod", User: "assistant",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Allowed).To(BeTrue())
	})

	It("lets a second human approve", func() {
		d, err := gate.Evaluate(context.Background(), Input{
			Verb: "approve", ActionType: "restart_pod",
			User: "alice", ProposedBy: "assistant",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Allowed).To(BeTrue())
	})

	It("denies approving your own proposal with a reason", func() {
		d, err := gate.Evaluate(context.Background(), Input{
			Verb: "approve", ActionType: "restart_pod",
			User: "alice", ProposedBy: "alice",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Allowed).To(BeFalse())
		Expect(d.Reasons).To(ContainElement(ContainSubstring("own proposal")))
	})

	It("limits execution to reversible action types", func() {
		ok, err := gate.Evaluate(context.Background(), Input{
			Verb: "execute", ActionType: "restart_pod", User: "alice",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok.Allowed).To(BeTrue())

		denied, err := gate.Evaluate(context.Background(), Input{
			Verb: "execute", ActionType: "drop_table", User: "alice",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(denied.Allowed).To(BeFalse())
		Expect(denied.Reasons).To(ContainElement(ContainSubstring("not executable")))
	})

	It("denies everything when disabled", func() {
		off, err := NewGate(context.Background(), "", false, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		d, err := off.Evaluate(context.Background(), Input{Verb: "propose", ActionType: "restart_pod"})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Allowed).To(BeFalse())
		Expect(d.Reasons).To(ContainElement("actions are disabled"))
	})

	It("accepts a custom policy document", func() {
		custom := `package tarka.actions

import rego.v1

default allow := false
deny contains reason if { not allow; reason := "custom lockdown" }
`
		gate, err := NewGate(context.Background(), custom, true, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		d, err := gate.Evaluate(context.Background(), Input{Verb: "propose"})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Allowed).To(BeFalse())
		Expect(d.Reasons).To(ContainElement("custom lockdown"))
	})

	It("rejects an invalid policy at compile time", func() {
		_, err := NewGate(context.Background(), "not rego at all", true, logr.Discard())
		Expect(err).To(HaveOccurred())
	})
})
