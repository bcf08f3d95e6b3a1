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

// Package rca runs the bounded plan/act/synthesize loop that turns a
// completed investigation into a grounded root-cause summary.
//
// The graph is baseline -> decide -> (plan -> tools)* -> synth. Every round
// is bounded three ways: a step budget, the shared tool-call budget of the
// executor invocation, and spin guards that stop the loop as soon as a round
// produces nothing new.
package rca

import (
	"context"
	"strings"

	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/tools"
)

const (
	// confidenceFloor is the top-hypothesis confidence below which more
	// evidence is always wanted.
	confidenceFloor = 70
	// verifyThreshold is the confidence at which a hypothesis must be
	// verified by family-appropriate tools before the loop may stop.
	verifyThreshold = 80
	// maxCallsPerRound bounds one planner reply.
	maxCallsPerRound = 3
)

// Graph drives the RCA loop. Safe for concurrent use; per-run state lives on
// the stack.
type Graph struct {
	client   llm.Client
	executor *tools.Executor
	logger   logr.Logger
}

// New builds an RCA graph. client may be nil; runs then synthesize an
// unavailable status from the deterministic verdict.
func New(client llm.Client, executor *tools.Executor, logger logr.Logger) *Graph {
	return &Graph{
		client:   client,
		executor: executor,
		logger:   logger.WithName("rca"),
	}
}

// state is the per-run graph state.
type state struct {
	snapshot          investigation.Snapshot
	invocation        *tools.Invocation
	succeeded         map[string]bool
	remainingSteps    int
	lastRoundNewKeys  int
	lastRoundOutcomes []tools.Outcome
	rounds            int
	stop              bool
}

// plannedCall mirrors one entry of the planner's structured reply.
type plannedCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type plannerReply struct {
	Calls []plannedCall `json:"calls"`
}

// synthReply mirrors the synthesizer's structured reply.
type synthReply struct {
	Status      string   `json:"status"`
	Summary     string   `json:"summary"`
	RootCause   string   `json:"root_cause"`
	Confidence  float64  `json:"confidence_0_1"`
	Evidence    []string `json:"evidence"`
	Remediation []string `json:"remediation"`
	Unknowns    []string `json:"unknowns"`
}

// Investigate runs the loop against a completed investigation, attaching the
// result under Analysis.RCA and the audit trail under meta.rca_tool_events.
// It never fails the run for model or tool trouble; the returned error is
// reserved for programming mistakes upstream.
func (g *Graph) Investigate(ctx context.Context, inv *investigation.Investigation) error {
	snapshot := inv.Snapshot()
	scope := &tools.Scope{
		Mode:          tools.ScopeCase,
		Snapshot:      &snapshot,
		Investigation: inv,
	}

	s := &state{
		snapshot:       snapshot,
		invocation:     g.executor.NewInvocation(scope),
		succeeded:      map[string]bool{},
		remainingSteps: g.executor.Policy().MaxSteps,
	}

	if g.client == nil {
		result := &investigation.RCAResult{
			Status:  investigation.RCAStatusUnavailable,
			Summary: inv.Analysis.Verdict.OneLiner,
		}
		inv.Analysis.RCA = result
		return nil
	}

	for !s.stop && s.remainingSteps > 0 && s.invocation.Remaining() > 0 {
		if !g.decide(s) {
			break
		}
		calls, err := g.plan(ctx, s)
		if err != nil {
			g.logger.V(1).Info("planner failed", "error", err.Error())
			inv.AddError("rca_plan", err)
			break
		}
		if len(calls) == 0 {
			break
		}
		g.runTools(ctx, s, calls)
		s.remainingSteps--
		s.rounds++

		// rerun.investigation may have refreshed the analysis in place.
		scope.Snapshot = &s.snapshot
	}

	result := g.synth(ctx, s)
	inv.Analysis.RCA = result
	inv.SetMeta("rca_tool_events", s.invocation.Events())
	return nil
}

// decide computes need_more_evidence for the current state.
func (g *Graph) decide(s *state) bool {
	// Spin guards trump everything after the first round.
	if s.rounds > 0 {
		if s.lastRoundNewKeys == 0 || allUnproductive(s.lastRoundOutcomes) {
			s.stop = true
			return false
		}
	}

	analysis := s.snapshot.Analysis
	quality := analysis.Features.Quality
	top := analysis.TopConfidence()

	switch {
	case quality.EvidenceQuality == investigation.QualityLow,
		len(quality.MissingInputs) > 0,
		len(quality.ContradictionFlags) > 0,
		len(analysis.Hypotheses) == 0,
		top < confidenceFloor:
		return true
	}

	// A confident hypothesis must survive family-appropriate verification
	// before the loop may rest on it.
	if top >= verifyThreshold {
		if rule := ruleFor(topHypothesis(analysis)); rule != nil {
			return !rule.satisfied(s.succeeded, top)
		}
	}
	return false
}

func allUnproductive(outcomes []tools.Outcome) bool {
	if len(outcomes) == 0 {
		return true
	}
	for _, o := range outcomes {
		if o == tools.OutcomeOK {
			return false
		}
	}
	return true
}

// plan asks the model for the next round of tool calls.
func (g *Graph) plan(ctx context.Context, s *state) ([]plannedCall, error) {
	system, user := plannerPrompt(&s.snapshot, g.executor.Catalog(tools.ScopeCase),
		s.invocation.Events(), maxCallsPerRound)

	var reply plannerReply
	err := g.client.GenerateStructured(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
	}, &reply)
	if err != nil {
		return nil, err
	}
	if len(reply.Calls) > maxCallsPerRound {
		reply.Calls = reply.Calls[:maxCallsPerRound]
	}
	return reply.Calls, nil
}

// runTools executes one planned round, tracking new keys and outcomes for
// the spin guards and successes for verification.
func (g *Graph) runTools(ctx context.Context, s *state, calls []plannedCall) {
	before := len(s.invocation.Events())
	s.lastRoundOutcomes = s.lastRoundOutcomes[:0]

	seenBefore := map[string]bool{}
	for _, ev := range s.invocation.Events() {
		seenBefore[ev.Key] = true
	}

	for _, call := range calls {
		res := s.invocation.Execute(ctx, tools.Call{Tool: call.Tool, Args: call.Args})
		if res.OK {
			s.succeeded[call.Tool] = true
		}
		if res.UpdatedAnalysis != nil {
			s.snapshot = *res.UpdatedAnalysis
		}
	}

	newKeys := 0
	events := s.invocation.Events()
	for _, ev := range events[before:] {
		s.lastRoundOutcomes = append(s.lastRoundOutcomes, ev.Outcome)
		if !seenBefore[ev.Key] && ev.Outcome != tools.OutcomeSkippedDuplicate {
			seenBefore[ev.Key] = true
			newKeys++
		}
	}
	s.lastRoundNewKeys = newKeys
}

// synth produces the terminal RCA result.
func (g *Graph) synth(ctx context.Context, s *state) *investigation.RCAResult {
	system, user := synthPrompt(&s.snapshot, s.invocation.Events())

	var reply synthReply
	err := g.client.GenerateStructured(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
	}, &reply)
	if err != nil {
		status := investigation.RCAStatusError
		msg := err.Error()
		if strings.HasPrefix(msg, "provider_not_configured") ||
			strings.HasPrefix(msg, "missing_api_key") ||
			strings.HasPrefix(msg, "model_not_found:") {
			status = investigation.RCAStatusUnavailable
		}
		return &investigation.RCAResult{
			Status:  status,
			Summary: s.snapshot.Analysis.Verdict.OneLiner,
			Unknowns: []string{
				"synthesis failed: " + snippet(msg),
			},
		}
	}

	result := &investigation.RCAResult{
		Status:      investigation.RCAStatus(reply.Status),
		Summary:     reply.Summary,
		RootCause:   reply.RootCause,
		Confidence:  clamp01(reply.Confidence),
		Evidence:    reply.Evidence,
		Remediation: reply.Remediation,
		Unknowns:    reply.Unknowns,
	}
	switch result.Status {
	case investigation.RCAStatusOK, investigation.RCAStatusUnknown,
		investigation.RCAStatusBlocked, investigation.RCAStatusUnavailable,
		investigation.RCAStatusError:
	default:
		result.Status = investigation.RCAStatusUnknown
	}

	// A substantive unknown is an ok in disguise: the model hedged its status
	// while delivering a real summary and cause.
	if result.Status == investigation.RCAStatusUnknown &&
		substantive(result.Summary) && substantive(result.RootCause) {
		result.Status = investigation.RCAStatusOK
	}
	return result
}

func substantive(s string) bool {
	return len(strings.TrimSpace(s)) >= 16
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func snippet(msg string) string {
	const maxLen = 160
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
