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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/tools"
)

// greetings are matched against the ENTIRE normalized message, never as a
// substring; "hi, why is checkout down" must reach the model.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "thx": true, "ty": true,
	"ok": true, "okay": true, "cool": true, "got it": true,
	"good morning": true, "good evening": true, "bye": true,
}

var normalizeRe = regexp.MustCompile(`[^a-z0-9 ]+`)

func normalizeMessage(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = normalizeRe.ReplaceAllString(msg, "")
	return strings.Join(strings.Fields(msg), " ")
}

var summaryIntents = map[string]bool{
	"summary": true, "status": true, "summarize": true,
	"what happened": true, "whats wrong": true, "what is wrong": true,
	"whats the status": true, "tldr": true,
}

var (
	countRe    = regexp.MustCompile(`^how many (?:cases|alerts|incidents)(?:.*?(?:last|past) (\d+) days?)?$`)
	topTeamsRe = regexp.MustCompile(`^(?:top teams|which teams? (?:have|has) the most (?:cases|alerts|incidents))$`)
	familyRe   = regexp.MustCompile(`^how many ([a-z0-9_ ]+?) (?:runs|alerts|investigations)(?:.*?(?:last|past) (\d+) days?)?$`)
)

// fastReply is a deterministic answer produced without touching the model.
type fastReply struct {
	Text   string
	Events []tools.Event
}

// fastPath tries the deterministic intent handlers in priority order and
// returns nil when the message needs the model.
func (e *Engine) fastPath(ctx context.Context, req TurnRequest) *fastReply {
	normalized := normalizeMessage(req.Message)
	if normalized == "" {
		return nil
	}

	if greetings[normalized] {
		return &fastReply{Text: greetingReply(req.Snapshot)}
	}

	if summaryIntents[normalized] && req.Snapshot != nil {
		return &fastReply{Text: summaryReply(req.Snapshot)}
	}

	if m := topTeamsRe.FindStringSubmatch(normalized); m != nil {
		return e.toolFastPath(ctx, req, "cases.top", map[string]any{"limit": 5}, renderTopTeams)
	}
	if m := countRe.FindStringSubmatch(normalized); m != nil {
		args := map[string]any{}
		if m[1] != "" {
			if days, err := strconv.Atoi(m[1]); err == nil {
				args["days"] = float64(days)
			}
		}
		return e.toolFastPath(ctx, req, "cases.count", args, renderCaseCount)
	}
	if m := familyRe.FindStringSubmatch(normalized); m != nil {
		if reply := e.familyCount(ctx, req, m[1], m[2]); reply != nil {
			return reply
		}
	}
	return nil
}

func greetingReply(snapshot *investigation.Snapshot) string {
	if snapshot != nil {
		name := snapshot.Target.DisplayName()
		if name != "unknown" {
			return fmt.Sprintf("Hi! I'm looking at %s with you. Ask me about its status, logs, or recent changes.", name)
		}
	}
	return "Hi! Ask me about your cases, e.g. \"how many cases last 7 days\" or \"top teams\"."
}

func summaryReply(snapshot *investigation.Snapshot) string {
	verdict := snapshot.Analysis.Verdict
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s, %s): %s",
		snapshot.Target.DisplayName(), verdict.Severity, verdict.Classification, verdict.OneLiner)
	if rca := snapshot.Analysis.RCA; rca != nil && rca.RootCause != "" {
		fmt.Fprintf(&b, "\n\nRoot cause: %s", rca.RootCause)
	}
	for i, h := range snapshot.Analysis.Hypotheses {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "\n- %s (%d%%)", h.Title, h.Confidence)
	}
	if len(verdict.Next) > 0 {
		fmt.Fprintf(&b, "\n\nNext: %s", strings.Join(verdict.Next, "; "))
	}
	return b.String()
}

// toolFastPath executes one global tool directly and renders its payload.
func (e *Engine) toolFastPath(ctx context.Context, req TurnRequest, tool string, args map[string]any, render func(tools.Result) string) *fastReply {
	inv := e.executor.NewInvocation(&tools.Scope{Mode: tools.ScopeGlobal})
	res := inv.Execute(ctx, tools.Call{Tool: tool, Args: args})
	if !res.OK {
		return &fastReply{
			Text:   "I couldn't query the case index (" + res.Error + "). Try again once the database is reachable.",
			Events: inv.Events(),
		}
	}
	return &fastReply{Text: render(res), Events: inv.Events()}
}

func renderCaseCount(res tools.Result) string {
	var payload struct {
		Days  int `json:"days"`
		Count int `json:"count"`
	}
	if err := jsonUnmarshal(res.Result, &payload); err != nil {
		return "The case index returned an unreadable count."
	}
	return fmt.Sprintf("%d cases in the last %d days.", payload.Count, payload.Days)
}

func renderTopTeams(res tools.Result) string {
	var teams []struct {
		Team  string `json:"team"`
		Count int    `json:"count"`
	}
	if err := jsonUnmarshal(res.Result, &teams); err != nil || len(teams) == 0 {
		return "No open cases are attributed to a team right now."
	}
	var b strings.Builder
	b.WriteString("Teams with the most open cases:")
	for _, t := range teams {
		fmt.Fprintf(&b, "\n- %s: %d", t.Team, t.Count)
	}
	return b.String()
}

// familyCount answers "how many crashloop runs last N days" with one SQL
// aggregation; nil when the phrase names no known family or Postgres is off.
func (e *Engine) familyCount(ctx context.Context, req TurnRequest, phrase, daysStr string) *fastReply {
	if e.index == nil {
		return nil
	}
	family := identity.Family(strings.ReplaceAll(strings.TrimSpace(phrase), " ", "_"))
	if !knownFamily(family) {
		return nil
	}
	days := 7
	if daysStr != "" {
		if n, err := strconv.Atoi(daysStr); err == nil && n > 0 {
			days = n
		}
	}
	workload := ""
	if req.Snapshot != nil {
		workload = req.Snapshot.Target.WorkloadName
	}
	count, err := e.index.CountRunsByFamily(ctx, family, workload, days)
	if err != nil {
		return nil
	}
	scope := ""
	if workload != "" {
		scope = " for " + workload
	}
	return &fastReply{Text: fmt.Sprintf("%d %s runs%s in the last %d days.", count, family, scope, days)}
}

func knownFamily(f identity.Family) bool {
	switch f {
	case identity.FamilyCrashloop, identity.FamilyCPUThrottling,
		identity.FamilyOOMKilled, identity.FamilyMemoryPressure,
		identity.FamilyHTTP5xx, identity.FamilyPodNotHealthy,
		identity.FamilyJobFailed, identity.FamilyTargetDown,
		identity.FamilyRolloutHealth, identity.FamilyObservabilityPipeline,
		identity.FamilyMeta, identity.FamilyGeneric:
		return true
	}
	return false
}
