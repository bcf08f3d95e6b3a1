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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/tools"
)

// Prompt version identifiers. Bump when the contract with the model changes.
const (
	PromptToolPlanV1 = "tarka.tool_plan.v1"
	PromptRCAV1      = "tarka.rca.v1"
)

const plannerSystem = `You are the tool planner for an on-call investigation assistant.
You receive an analysis snapshot and a list of allowed tools. Propose at most
%d tool calls that would raise or verify confidence in the leading hypothesis.
Rules:
- Reply with a single JSON object: {"calls": [{"tool": "<id>", "args": {...}}]}.
- Use only the allowed tool ids listed below. Never invent a tool.
- Never repeat a (tool, key) pair already present in TOOL_HISTORY.
- Never fabricate facts; cite evidence keys (e.g. features.k8s.waiting_reason)
  in your reasoning, not invented observations.
- An empty {"calls": []} means you believe no further evidence would help.`

const synthSystem = `You are the root-cause synthesizer for an on-call investigation assistant.
You receive an analysis snapshot plus the results of verification tool calls.
Reply with a single JSON object:
{"status": "ok|unknown|blocked|unavailable|error",
 "summary": "...", "root_cause": "...",
 "confidence_0_1": 0.0,
 "evidence": ["..."], "remediation": ["..."], "unknowns": ["..."]}
Rules:
- Ground every claim in the snapshot or a tool result; cite evidence keys.
- confidence_0_1 must be within [0,1].
- Use "unknown" when the evidence does not single out one cause.
- Never propose more tool calls; this is the final synthesis.`

// familyGuidance is injected into the planner prompt per alert family. The
// generic block covers unknown families.
var familyGuidance = map[identity.Family]string{
	identity.FamilyCrashloop: `Crashloop guidance: confirm the waiting reason and last termination state
via k8s.pod_context, then read the previous container's logs with
logs.tail(previous=true). If the crash started near a rollout, check
k8s.rollout_status and recent commits.`,
	identity.FamilyOOMKilled: `OOM guidance: confirm the kill via k8s.pod_context (lastState.terminated
reason OOMKilled), then compare working-set against limits with
promql.instant. A limit raised recently shows up in rollout status.`,
	identity.FamilyPodNotHealthy: `Pod health guidance: classify the waiting reason from pod context and
events. For image pull failures on ECR images verify the tag with aws.ecr and
the pull role's permissions with aws.iam_role_permissions. Treat AWS
AccessDenied responses as diagnostic evidence of a permissions root cause,
not as a failed verification.`,
	identity.FamilyJobFailed: `Job failure guidance: read job events via k8s.events (DeadlineExceeded,
BackoffLimitExceeded), then attempt historical logs. If the job writes to S3,
verify the bucket with aws.s3_bucket_location and the job's IRSA role with
aws.iam_role_permissions. AccessDenied from AWS is evidence, not an error.`,
	identity.FamilyHTTP5xx: `HTTP 5xx guidance: correlate error rate with promql.instant, check
rollout recency, and inspect upstream health via aws.elb when the service
sits behind a load balancer.`,
	identity.FamilyTargetDown: `Target down guidance: distinguish scrape failure from workload failure.
Check endpoint liveness via promql.instant (up{...}) and list pod state for
the scraped workload before blaming the network.`,
	identity.FamilyRolloutHealth: `Rollout guidance: read k8s.rollout_status for ready/desired counts, list
events for the stuck replica set, and correlate with recent commits or
argocd.app_status when available.`,
}

const genericGuidance = `Generic guidance: prefer one confirming read (pod context, events, or an
instant query) over broad exploration. Treat AWS AccessDenied responses as
diagnostic evidence, not as verification failure.`

// guidanceFor returns the family block injected into the planner prompt.
func guidanceFor(family identity.Family) string {
	if block, ok := familyGuidance[family]; ok {
		return block
	}
	return genericGuidance
}

// plannerPrompt renders the structured planning request.
func plannerPrompt(snapshot *investigation.Snapshot, catalog map[string]string, history []tools.Event, maxCalls int) (system, user string) {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("PROMPT_ID: " + PromptToolPlanV1 + "\n\n")
	b.WriteString("ALLOWED_TOOLS:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, catalog[id])
	}

	b.WriteString("\nFAMILY_GUIDANCE:\n")
	b.WriteString(guidanceFor(snapshot.Family))
	b.WriteString("\n\nTOOL_HISTORY:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ev := range history {
		fmt.Fprintf(&b, "- (%s, %s) outcome=%s\n", ev.Tool, ev.Key, ev.Outcome)
	}

	b.WriteString("\nANALYSIS_SNAPSHOT:\n")
	raw, err := json.Marshal(snapshot)
	if err != nil {
		raw = []byte("{}")
	}
	b.Write(raw)
	b.WriteString("\n")

	return fmt.Sprintf(plannerSystem, maxCalls), b.String()
}

// synthPrompt renders the final synthesis request.
func synthPrompt(snapshot *investigation.Snapshot, history []tools.Event) (system, user string) {
	var b strings.Builder
	b.WriteString("PROMPT_ID: " + PromptRCAV1 + "\n\n")
	b.WriteString("TOOL_RESULTS:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ev := range history {
		fmt.Fprintf(&b, "- %s outcome=%s", ev.Tool, ev.Outcome)
		if ev.Result.Error != "" {
			fmt.Fprintf(&b, " error=%s", ev.Result.Error)
		}
		if len(ev.Result.Result) > 0 {
			b.WriteString(" result=")
			b.Write(truncateJSON(ev.Result.Result, 1500))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nANALYSIS_SNAPSHOT:\n")
	raw, err := json.Marshal(snapshot)
	if err != nil {
		raw = []byte("{}")
	}
	b.Write(raw)
	b.WriteString("\n")

	return synthSystem, b.String()
}

func truncateJSON(raw []byte, limit int) []byte {
	if len(raw) <= limit {
		return raw
	}
	return append(raw[:limit:limit], []byte("... (truncated)")...)
}
