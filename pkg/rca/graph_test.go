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

package rca

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/tools"
)

// scriptedClient replies from a queue. Planner and synthesizer turns are told
// apart by the prompt id in the user message.
type scriptedClient struct {
	planReplies  []string
	synthReply   string
	synthErr     error
	planCalls    int
	synthCalls   int
}

func (c *scriptedClient) GenerateStructured(_ context.Context, req llm.Request, out any) error {
	user := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(user, PromptToolPlanV1) {
		reply := `{"calls": []}`
		if c.planCalls < len(c.planReplies) {
			reply = c.planReplies[c.planCalls]
		}
		c.planCalls++
		return llm.DecodeStructured(reply, out)
	}
	c.synthCalls++
	if c.synthErr != nil {
		return c.synthErr
	}
	return llm.DecodeStructured(c.synthReply, out)
}

func (c *scriptedClient) StreamTokens(context.Context, llm.Request, func(llm.StreamEvent)) (string, error) {
	return "", errors.New("not used")
}

func s3Investigation(confidence int) *investigation.Investigation {
	inv := investigation.New(
		alert.Alert{
			Fingerprint: "fp-1",
			Labels:      map[string]string{"alertname": "KubeJobFailed", "namespace": "batch", "job_name": "etl"},
			StartsAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		identity.Target{Type: identity.TargetWorkload, Namespace: "batch", WorkloadKind: "Job", WorkloadName: "etl"},
		identity.FamilyJobFailed,
		time.Hour,
		time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	)
	inv.Analysis.Features.Quality.EvidenceQuality = investigation.QualityHigh
	inv.Analysis.Hypotheses = []investigation.Hypothesis{{
		HypothesisID: "s3_access_denied",
		Title:        "Job cannot write to its S3 output bucket",
		Confidence:   confidence,
	}}
	inv.Analysis.Verdict = investigation.Verdict{
		Severity:       "high",
		Classification: investigation.ClassActionable,
		OneLiner:       "batch/etl failing on S3 writes",
		Family:         string(identity.FamilyJobFailed),
	}
	return inv
}

// newVerifyExecutor registers succeeding stand-ins for the S3 verification
// pair so the graph can be driven without AWS.
func newVerifyExecutor() *tools.Executor {
	policy := tools.DefaultPolicy()
	policy.AWSEnabled = true
	ex := tools.NewExecutor(policy, logr.Discard())
	ex.Register("aws.s3_bucket_location", tools.ScopeCase, "aws", "stub",
		func(context.Context, *tools.Scope, tools.Args) (any, error) {
			return map[string]any{"bucket": "etl-output", "exists": true}, nil
		})
	ex.Register("aws.iam_role_permissions", tools.ScopeCase, "aws", "stub",
		func(context.Context, *tools.Scope, tools.Args) (any, error) {
			return map[string]any{"policies": []string{"etl-writer"}}, nil
		})
	return ex
}

var _ = Describe("decide", func() {
	newState := func(inv *investigation.Investigation, ex *tools.Executor) *state {
		snapshot := inv.Snapshot()
		return &state{
			snapshot:       snapshot,
			invocation:     ex.NewInvocation(&tools.Scope{Mode: tools.ScopeCase, Snapshot: &snapshot}),
			succeeded:      map[string]bool{},
			remainingSteps: 4,
		}
	}

	var g *Graph

	BeforeEach(func() {
		g = New(&scriptedClient{}, newVerifyExecutor(), logr.Discard())
	})

	It("wants evidence when quality is low", func() {
		inv := s3Investigation(85)
		inv.Analysis.Features.Quality.EvidenceQuality = investigation.QualityLow
		Expect(g.decide(newState(inv, newVerifyExecutor()))).To(BeTrue())
	})

	It("wants evidence when no hypothesis exists", func() {
		inv := s3Investigation(85)
		inv.Analysis.Hypotheses = nil
		Expect(g.decide(newState(inv, newVerifyExecutor()))).To(BeTrue())
	})

	It("wants evidence below the confidence floor", func() {
		Expect(g.decide(newState(s3Investigation(50), newVerifyExecutor()))).To(BeTrue())
	})

	It("holds a confident S3 hypothesis until both verification tools succeed", func() {
		s := newState(s3Investigation(85), newVerifyExecutor())

		Expect(g.decide(s)).To(BeTrue(), "no verification yet")

		s.succeeded["aws.s3_bucket_location"] = true
		Expect(g.decide(s)).To(BeTrue(), "one of the pair is not enough at 85")

		s.succeeded["aws.iam_role_permissions"] = true
		Expect(g.decide(s)).To(BeFalse(), "both succeeded")
	})

	It("accepts a single verification call at confidence 95", func() {
		s := newState(s3Investigation(95), newVerifyExecutor())
		s.succeeded["aws.s3_bucket_location"] = true
		Expect(g.decide(s)).To(BeFalse())
	})

	It("stops when the last round produced no new keys", func() {
		s := newState(s3Investigation(85), newVerifyExecutor())
		s.rounds = 1
		s.lastRoundNewKeys = 0
		s.lastRoundOutcomes = []tools.Outcome{tools.OutcomeOK}

		Expect(g.decide(s)).To(BeFalse())
		Expect(s.stop).To(BeTrue())
	})

	It("stops when a round was all errors and skips", func() {
		s := newState(s3Investigation(85), newVerifyExecutor())
		s.rounds = 1
		s.lastRoundNewKeys = 2
		s.lastRoundOutcomes = []tools.Outcome{
			tools.OutcomeError, tools.OutcomeSkippedDuplicate, tools.OutcomeEmpty,
		}

		Expect(g.decide(s)).To(BeFalse())
		Expect(s.stop).To(BeTrue())
	})

	It("lets a pod hypothesis rest on any single relevant success", func() {
		inv := s3Investigation(85)
		inv.Analysis.Hypotheses[0] = investigation.Hypothesis{
			HypothesisID: "crashloop_bad_config",
			Title:        "Pod crashes on startup after config change",
			Confidence:   85,
		}
		s := newState(inv, newVerifyExecutor())

		Expect(g.decide(s)).To(BeTrue())
		s.succeeded["k8s.pod_context"] = true
		Expect(g.decide(s)).To(BeFalse())
	})
})

var _ = Describe("Investigate", func() {
	It("verifies an S3 hypothesis and synthesizes an ok result", func() {
		client := &scriptedClient{
			planReplies: []string{
				`{"calls": [
					{"tool": "aws.s3_bucket_location", "args": {"bucket": "etl-output"}},
					{"tool": "aws.iam_role_permissions", "args": {"role_name": "etl-writer"}}
				]}`,
			},
			synthReply: `{"status": "ok",
				"summary": "etl job lost write access to its output bucket",
				"root_cause": "IAM policy etl-writer dropped s3:PutObject in a recent change",
				"confidence_0_1": 0.9,
				"evidence": ["aws.iam_role_permissions"],
				"remediation": ["restore s3:PutObject on etl-writer"]}`,
		}
		g := New(client, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(85)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())

		Expect(inv.Analysis.RCA).NotTo(BeNil())
		Expect(inv.Analysis.RCA.Status).To(Equal(investigation.RCAStatusOK))
		Expect(inv.Analysis.RCA.Confidence).To(BeNumerically("~", 0.9, 0.001))
		Expect(client.planCalls).To(Equal(1), "verification pair satisfied after one round")
		Expect(client.synthCalls).To(Equal(1))

		events, ok := inv.Meta["rca_tool_events"].([]tools.Event)
		Expect(ok).To(BeTrue())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Outcome).To(Equal(tools.OutcomeOK))
	})

	It("stops on an empty plan and still synthesizes", func() {
		client := &scriptedClient{
			planReplies: []string{`{"calls": []}`},
			synthReply: `{"status": "unknown",
				"summary": "not enough evidence to name a single cause",
				"root_cause": "", "confidence_0_1": 0.3}`,
		}
		g := New(client, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(40)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())
		Expect(inv.Analysis.RCA.Status).To(Equal(investigation.RCAStatusUnknown))
		Expect(client.synthCalls).To(Equal(1))
	})

	It("auto-promotes a substantive unknown to ok", func() {
		client := &scriptedClient{
			planReplies: []string{`{"calls": []}`},
			synthReply: `{"status": "unknown",
				"summary": "the job exhausted its backoff limit after repeated S3 write failures",
				"root_cause": "missing s3:PutObject permission on the job role",
				"confidence_0_1": 0.7}`,
		}
		g := New(client, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(40)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())
		Expect(inv.Analysis.RCA.Status).To(Equal(investigation.RCAStatusOK))
	})

	It("reports unavailable without a model client", func() {
		g := New(nil, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(85)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())
		Expect(inv.Analysis.RCA.Status).To(Equal(investigation.RCAStatusUnavailable))
		Expect(inv.Analysis.RCA.Summary).To(Equal("batch/etl failing on S3 writes"))
	})

	It("degrades to an error status when synthesis fails", func() {
		client := &scriptedClient{
			planReplies: []string{`{"calls": []}`},
			synthErr:    errors.New("upstream 500"),
		}
		g := New(client, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(85)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())
		Expect(inv.Analysis.RCA.Status).To(Equal(investigation.RCAStatusError))
		Expect(inv.Analysis.RCA.Unknowns).To(ContainElement(ContainSubstring("upstream 500")))
	})

	It("clamps an out-of-range confidence", func() {
		client := &scriptedClient{
			planReplies: []string{`{"calls": []}`},
			synthReply:  `{"status": "ok", "summary": "long enough summary text", "root_cause": "long enough root cause", "confidence_0_1": 7.5}`,
		}
		g := New(client, newVerifyExecutor(), logr.Discard())
		inv := s3Investigation(85)

		Expect(g.Investigate(context.Background(), inv)).To(Succeed())
		Expect(inv.Analysis.RCA.Confidence).To(Equal(1.0))
	})
})
