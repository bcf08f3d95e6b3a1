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

package chat

import (
	"context"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/tools"
)

// scriptedClient replies with a fixed queue of plan responses and one
// streaming reply, counting calls so tests can assert the model was (not)
// consulted.
type scriptedClient struct {
	planReplies []string
	planCalls   int
	streamReply string
	streamCalls int
	streamErr   error
}

func (c *scriptedClient) GenerateStructured(_ context.Context, _ llm.Request, out any) error {
	reply := `{"calls": []}`
	if c.planCalls < len(c.planReplies) {
		reply = c.planReplies[c.planCalls]
	}
	c.planCalls++
	return llm.DecodeStructured(reply, out)
}

func (c *scriptedClient) StreamTokens(_ context.Context, _ llm.Request, emit func(llm.StreamEvent)) (string, error) {
	c.streamCalls++
	if c.streamErr != nil {
		return "", c.streamErr
	}
	for _, word := range strings.Fields(c.streamReply) {
		emit(llm.StreamEvent{Type: llm.StreamToken, Text: word + " "})
	}
	return c.streamReply, nil
}

type recorded struct {
	event string
	data  any
}

func recorder() (*[]recorded, Emitter) {
	var events []recorded
	return &events, func(event string, data any) {
		events = append(events, recorded{event: event, data: data})
	}
}

func eventNames(events []recorded) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.event)
	}
	return names
}

func checkoutSnapshot() *investigation.Snapshot {
	return &investigation.Snapshot{
		Version: investigation.SnapshotVersion,
		Target: identity.Target{
			Type:         identity.TargetPod,
			Namespace:    "shop",
			Pod:          "checkout-7d9f-abcde",
			WorkloadKind: "Deployment",
			WorkloadName: "checkout",
		},
		Family: identity.FamilyCrashloop,
		Analysis: investigation.Analysis{
			Verdict: investigation.Verdict{
				Severity:       "high",
				Classification: investigation.ClassActionable,
				OneLiner:       "checkout crashing on startup after config change",
				Family:         string(identity.FamilyCrashloop),
			},
			Hypotheses: []investigation.Hypothesis{{
				HypothesisID: "bad_config",
				Title:        "Startup crash from invalid config",
				Confidence:   80,
			}},
		},
	}
}

func newEngine(client llm.Client, register func(*tools.Executor)) (*Engine, *tools.Executor) {
	ex := tools.NewExecutor(tools.DefaultPolicy(), logr.Discard())
	if register != nil {
		register(ex)
	}
	return New(client, ex, nil, nil, logr.Discard()), ex
}

var _ = Describe("fast paths", func() {
	It("answers a greeting without the model and names the target", func() {
		client := &scriptedClient{}
		e, _ := newEngine(client, nil)
		ev, emit := recorder()

		result, err := e.stream(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "hello",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		}, emit)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Reply).To(ContainSubstring("checkout"))
		Expect(result.ToolEvents).To(BeEmpty())
		Expect(client.planCalls).To(BeZero(), "greeting must not reach the model")
		Expect(client.streamCalls).To(BeZero())
		Expect(eventNames(*ev)).To(Equal([]string{EventInit, EventToken, EventDone}))
	})

	It("only treats a whole-message greeting as a greeting", func() {
		client := &scriptedClient{streamReply: "Checkout is crashing."}
		e, _ := newEngine(client, nil)

		result, err := e.Turn(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "hi, why is checkout down?",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(client.streamCalls).To(Equal(1), "mixed message must reach the model")
		Expect(result.Reply).To(Equal("Checkout is crashing."))
	})

	It("builds a summary from the snapshot verdict", func() {
		client := &scriptedClient{}
		e, _ := newEngine(client, nil)

		result, err := e.Turn(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "summary",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Reply).To(ContainSubstring("checkout crashing on startup"))
		Expect(result.Reply).To(ContainSubstring("Startup crash from invalid config"))
		Expect(client.planCalls).To(BeZero())
	})

	It("lists teams busiest first in the top-teams answer", func() {
		client := &scriptedClient{}
		e, _ := newEngine(client, func(ex *tools.Executor) {
			ex.Register("cases.top", tools.ScopeGlobal, "db", "rank teams",
				func(context.Context, *tools.Scope, tools.Args) (any, error) {
					return []map[string]any{
						{"team": "platform", "count": 9},
						{"team": "payments", "count": 4},
						{"team": "search", "count": 2},
					}, nil
				})
		})

		result, err := e.Turn(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "top teams", Mode: tools.ScopeGlobal,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(client.planCalls).To(BeZero(), "leaderboard must not reach the model")
		Expect(result.Reply).To(MatchRegexp(`(?s)platform: 9.*payments: 4.*search: 2`))
	})

	It("rejects an empty message", func() {
		e, _ := newEngine(&scriptedClient{}, nil)
		_, err := e.Turn(context.Background(), TurnRequest{ThreadID: "t1", Message: "   "})
		Expect(err).To(MatchError(ContainSubstring("content_required")))
	})
})

var _ = Describe("model loop", func() {
	logsCall := `{"calls": [{"tool": "logs.tail", "args": {"pod": "checkout-7d9f-abcde", "max_lines": 50}}]}`

	registerLogs := func(calls *int) func(*tools.Executor) {
		return func(ex *tools.Executor) {
			ex.Register("logs.tail", tools.ScopeCase, "logs", "tail logs",
				func(context.Context, *tools.Scope, tools.Args) (any, error) {
					*calls++
					return []string{"panic: invalid config"}, nil
				})
		}
	}

	It("skips a duplicate tool call across rounds with one provider call", func() {
		providerCalls := 0
		client := &scriptedClient{
			planReplies: []string{logsCall, logsCall, `{"calls": []}`},
			streamReply: "The pod panics on an invalid config value.",
		}
		e, _ := newEngine(client, registerLogs(&providerCalls))

		result, err := e.Turn(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "why is it crashing?",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(providerCalls).To(Equal(1), "identical args must hit the backend once")
		Expect(result.ToolEvents).To(HaveLen(2))
		Expect(result.ToolEvents[0].Outcome).To(Equal(tools.OutcomeOK))
		Expect(result.ToolEvents[1].Outcome).To(Equal(tools.OutcomeSkippedDuplicate))
	})

	It("fail-fasts after an all-error round with one final model turn", func() {
		client := &scriptedClient{
			planReplies: []string{
				`{"calls": [{"tool": "logs.tail", "args": {"pod": "p1"}}]}`,
				`{"calls": [{"tool": "k8s.events", "args": {}}]}`,
			},
			streamReply: "Log access failed; check the logging backend.",
		}
		e, _ := newEngine(client, func(ex *tools.Executor) {
			ex.Register("logs.tail", tools.ScopeCase, "logs", "tail logs",
				func(context.Context, *tools.Scope, tools.Args) (any, error) {
					return nil, errors.New("backend down")
				})
			ex.Register("k8s.events", tools.ScopeCase, "k8s", "events",
				func(context.Context, *tools.Scope, tools.Args) (any, error) {
					return []string{"should never run"}, nil
				})
		})

		result, err := e.Turn(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "show me the logs",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(client.planCalls).To(Equal(1), "no second planning round after total failure")
		Expect(client.streamCalls).To(Equal(1))
		Expect(result.ToolEvents).To(HaveLen(1))
		Expect(result.Reply).To(ContainSubstring("Log access failed"))
	})

	It("streams the expected event sequence for a tool-using turn", func() {
		providerCalls := 0
		client := &scriptedClient{
			planReplies: []string{logsCall, `{"calls": []}`},
			streamReply: "It panics on invalid config.",
		}
		e, _ := newEngine(client, registerLogs(&providerCalls))
		ev, emit := recorder()

		Expect(e.Stream(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "why is it crashing?",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		}, emit)).To(Succeed())

		names := eventNames(*ev)
		Expect(names[0]).To(Equal(EventInit))
		Expect(names).To(ContainElements(EventPlanning, EventToolStart, EventToolEnd, EventToken))
		Expect(names[len(names)-1]).To(Equal(EventDone))
	})

	It("surfaces an error event without a configured provider", func() {
		e, _ := newEngine(nil, nil)
		ev, emit := recorder()

		err := e.Stream(context.Background(), TurnRequest{
			ThreadID: "t1", Message: "why is it crashing?",
			Mode: tools.ScopeCase, CaseID: "c1", Snapshot: checkoutSnapshot(),
		}, emit)

		Expect(err).To(MatchError(ContainSubstring("provider_not_configured")))
		names := eventNames(*ev)
		Expect(names[len(names)-1]).To(Equal(EventError))
	})
})

var _ = Describe("SSEWriter", func() {
	It("frames events and sets the streaming headers", func() {
		rec := httptest.NewRecorder()
		w := NewSSEWriter(rec)
		w.Emit(EventToken, map[string]string{"text": "hi"})
		w.Emit(EventDone, map[string]any{"tool_events": []string{}})

		Expect(rec.Header().Get("Content-Type")).To(Equal("text/event-stream"))
		Expect(rec.Header().Get("Cache-Control")).To(Equal("no-cache"))
		Expect(rec.Header().Get("Connection")).To(Equal("keep-alive"))
		Expect(rec.Header().Get("X-Accel-Buffering")).To(Equal("no"))

		body := rec.Body.String()
		Expect(body).To(ContainSubstring("event: token\ndata: {\"text\":\"hi\"}\n\n"))
		Expect(body).To(ContainSubstring("event: done\ndata: "))
	})
})

var _ = Describe("normalizeMessage", func() {
	It("lowercases, strips punctuation, and collapses spaces", func() {
		Expect(normalizeMessage("  Hello!!  ")).To(Equal("hello"))
		Expect(normalizeMessage("Thank   You.")).To(Equal("thank you"))
		Expect(normalizeMessage("hi, why is checkout down?")).To(Equal("hi why is checkout down"))
	})
})
