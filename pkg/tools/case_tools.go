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
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/itchyny/gojq"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/kube"
	"github.com/tarka-ai/tarka/pkg/logsrc"
	"github.com/tarka-ai/tarka/pkg/pipeline"
	"github.com/tarka-ai/tarka/pkg/promql"
	"github.com/tarka-ai/tarka/pkg/store"
)

// CaseDeps are the backends behind the case-scoped toolset. Nil members
// disable their tools (the handler reports unavailability rather than
// registering absent).
type CaseDeps struct {
	Kube     kube.ReadOnlyClient
	Prom     promql.Client
	Logs     logsrc.Backend
	Pipeline *pipeline.Pipeline
	Index    *store.Index
	ArgoCD   *ArgoCDClient
	Skills   *SkillsLibrary
}

// RegisterCaseTools attaches the case-scoped toolset.
func (ex *Executor) RegisterCaseTools(deps CaseDeps) {
	ex.register("promql.instant", ScopeCase, "promql",
		"Evaluate one instant PromQL query against the metrics backend.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			query := args.String("query")
			if query == "" {
				return nil, errors.New("tool_exception:BadArgs:query is required")
			}
			if deps.Prom == nil {
				return nil, errors.New("tool_exception:Unavailable:prometheus not configured")
			}
			vector, err := deps.Prom.Instant(ctx, query, time.Now())
			if err != nil {
				return nil, err
			}
			type sample struct {
				Labels map[string]string `json:"labels"`
				Value  float64           `json:"value"`
			}
			out := make([]sample, 0, len(vector))
			for _, s := range vector {
				labels := map[string]string{}
				for k, v := range s.Metric {
					labels[string(k)] = string(v)
				}
				out = append(out, sample{Labels: labels, Value: float64(s.Value)})
			}
			return out, nil
		})

	ex.register("k8s.pod_context", ScopeCase, "k8s",
		"Read pod spec, container statuses, and conditions for the case's pod.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			namespace, pod := scopedPod(scope, args)
			if pod == "" {
				return nil, errors.New("tool_exception:BadArgs:pod is required")
			}
			info, conditions, err := deps.Kube.PodContext(ctx, namespace, pod)
			if err != nil {
				return nil, err
			}
			return map[string]any{"pod": info, "conditions": conditions}, nil
		})

	ex.register("k8s.rollout_status", ScopeCase, "k8s",
		"Read ready/desired replica state for the case's workload.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			namespace := argOrTarget(scope, args, "namespace")
			kind := args.String("kind")
			name := args.String("name")
			if scope.Snapshot != nil {
				if kind == "" {
					kind = scope.Snapshot.Target.WorkloadKind
				}
				if name == "" {
					name = scope.Snapshot.Target.WorkloadName
				}
			}
			if name == "" {
				return nil, errors.New("tool_exception:BadArgs:workload name is required")
			}
			return deps.Kube.RolloutStatus(ctx, namespace, kind, name)
		})

	ex.register("k8s.events", ScopeCase, "k8s",
		"List recent events for an object in the case's namespace.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			namespace := argOrTarget(scope, args, "namespace")
			object := args.String("object")
			if object == "" && scope.Snapshot != nil {
				object = scope.Snapshot.Target.DisplayName()
			}
			return deps.Kube.Events(ctx, namespace, object)
		})

	ex.register("logs.tail", ScopeCase, "logs",
		"Tail recent container logs for the case's pod.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			namespace, pod := scopedPod(scope, args)
			if pod == "" {
				return nil, errors.New("tool_exception:BadArgs:pod is required")
			}
			maxLines := args.Int("max_lines", ex.policy.MaxLogLines)
			if maxLines > ex.policy.MaxLogLines {
				maxLines = ex.policy.MaxLogLines
			}
			lines, err := deps.Logs.Tail(ctx, logsrc.Query{
				Namespace: namespace,
				Pod:       pod,
				Container: args.String("container"),
				Previous:  args.Bool("previous"),
				MaxLines:  maxLines,
			})
			if err != nil {
				return nil, err
			}
			texts := make([]string, 0, len(lines))
			for _, line := range lines {
				texts = append(texts, line.Text)
			}
			return texts, nil
		})

	ex.register("memory.similar_cases", ScopeCase, "db",
		"Find recent investigations of the same workload shape.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if deps.Index == nil {
				return nil, errors.New("postgres_not_configured")
			}
			if scope.Snapshot == nil {
				return nil, errors.New("case_id_required")
			}
			return deps.Index.SimilarRuns(ctx, scope.Snapshot.Target,
				scope.Snapshot.Family, scope.Snapshot.Alert.Fingerprint,
				args.Int("limit", 10))
		})

	ex.register("memory.skills", ScopeCase, "db",
		"Recall curated playbooks and past resolutions for this case family.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if deps.Index == nil && deps.Skills.Len() == 0 {
				return nil, errors.New("postgres_not_configured")
			}
			if scope.Snapshot == nil {
				return nil, errors.New("case_id_required")
			}

			out := map[string]any{
				"playbooks": deps.Skills.ForFamily(scope.Snapshot.Family),
			}
			if deps.Index == nil {
				return out, nil
			}
			cases, err := deps.Index.ResolutionSkills(ctx, scope.Snapshot.Family, args.Int("limit", 5))
			if err != nil {
				return nil, err
			}
			type resolution struct {
				Category string `json:"category"`
				Summary  string `json:"summary"`
				Workload string `json:"workload,omitempty"`
			}
			resolutions := make([]resolution, 0, len(cases))
			for _, c := range cases {
				resolutions = append(resolutions, resolution{
					Category: c.ResolutionCategory.String,
					Summary:  c.ResolutionSummary.String,
					Workload: c.WorkloadName.String,
				})
			}
			out["resolutions"] = resolutions
			return out, nil
		})

	ex.register("snapshot.query", ScopeCase, "snapshot",
		"Extract fields from the investigation snapshot with a jq expression.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			return querySnapshot(ctx, scope, args)
		})

	ex.register("rerun.investigation", ScopeCase, "pipeline",
		"Re-run the evidence pipeline over a chosen time window.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			return ex.rerunInvestigation(ctx, deps, scope, args)
		})

	ex.register("argocd.app_status", ScopeCase, "argocd",
		"Read ArgoCD sync and health status for the case's application.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if deps.ArgoCD == nil {
				return nil, errors.New("tool_exception:Unavailable:argocd not configured")
			}
			app := args.String("app")
			if app == "" && scope.Snapshot != nil {
				app = scope.Snapshot.Target.WorkloadName
			}
			if app == "" {
				return nil, errors.New("tool_exception:BadArgs:app is required")
			}
			return deps.ArgoCD.AppStatus(ctx, app)
		})

	ex.register("actions.list", ScopeCase, "db",
		"List remediation actions proposed for this case.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if deps.Index == nil {
				return nil, errors.New("postgres_not_configured")
			}
			if scope.CaseID == "" {
				return nil, errors.New("case_id_required")
			}
			return deps.Index.ActionsForCase(ctx, scope.CaseID)
		})

	ex.register("actions.propose", ScopeCase, "db",
		"Propose a remediation action for human approval. Never executes.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if deps.Index == nil {
				return nil, errors.New("postgres_not_configured")
			}
			if scope.CaseID == "" {
				return nil, errors.New("case_id_required")
			}
			actionType := args.String("action_type")
			if actionType == "" {
				return nil, errors.New("tool_exception:BadArgs:action_type is required")
			}
			payload, err := canonicalArgs(args, "action_type", "title", "risk", "hypothesis_id")
			if err != nil {
				return nil, err
			}
			return deps.Index.ProposeAction(ctx, store.ActionDraft{
				CaseID:           scope.CaseID,
				HypothesisID:     args.String("hypothesis_id"),
				ActionType:       actionType,
				Title:            args.String("title"),
				Risk:             args.String("risk"),
				ExecutionPayload: payload,
				ProposedBy:       "assistant",
			})
		})
}

// rerunInvestigation re-executes the pipeline. reference_time selects the
// window anchor: "original" (default) ends at the alert start for a
// historical view; "now" ends at the current time and marks the run active.
func (ex *Executor) rerunInvestigation(ctx context.Context, deps CaseDeps, scope *Scope, args Args) (any, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("tool_exception:Unavailable:pipeline not configured")
	}
	if scope.Snapshot == nil {
		return nil, errors.New("case_id_required")
	}

	windowSeconds := args.Int("time_window", 0)
	if windowSeconds <= 0 {
		return nil, errors.New("time_window_required")
	}
	if windowSeconds > ex.policy.MaxTimeWindowSeconds {
		return nil, errors.Errorf("time_window_too_large: %ds exceeds %ds",
			windowSeconds, ex.policy.MaxTimeWindowSeconds)
	}

	reference := args.String("reference_time")
	if reference == "" {
		reference = "original"
	}

	a := scope.Snapshot.Alert
	var endTime time.Time
	switch reference {
	case "original":
		endTime = a.StartsAt
	case "now":
		endTime = time.Now().UTC()
		a.State = alert.StateFiring
	default:
		return nil, errors.New("reference_time_must_be_original_or_now")
	}

	inv := deps.Pipeline.RunAt(ctx, a, time.Duration(windowSeconds)*time.Second, endTime)
	inv.SetMeta("rerun_reference_time", reference)
	if scope.Investigation != nil {
		scope.Investigation.Evidence = inv.Evidence
		scope.Investigation.Analysis = inv.Analysis
		scope.Investigation.TimeWindow = inv.TimeWindow
	}

	snapshot := inv.Snapshot()
	return UpdatedResult{
		Payload: map[string]any{
			"classification": snapshot.Analysis.Verdict.Classification,
			"one_liner":      snapshot.Analysis.Verdict.OneLiner,
			"hypotheses":     snapshot.Analysis.Hypotheses,
			"window_start":   inv.TimeWindow.StartTime,
			"window_end":     inv.TimeWindow.EndTime,
		},
		Snapshot: &snapshot,
	}, nil
}

// querySnapshot runs a jq expression over the case snapshot. Results are
// capped so an unbounded `..` cannot flood the transcript.
func querySnapshot(ctx context.Context, scope *Scope, args Args) (any, error) {
	expr := args.String("expression")
	if expr == "" {
		return nil, errors.New("tool_exception:BadArgs:expression is required")
	}
	if scope == nil || scope.Snapshot == nil {
		return nil, errors.New("case_id_required")
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, errors.Wrap(err, "tool_exception:BadArgs:invalid jq expression")
	}

	raw, err := json.Marshal(scope.Snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}

	const maxResults = 50
	results := make([]any, 0, 4)
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, errors.Wrap(qerr, "tool_exception:BadArgs:jq evaluation")
		}
		results = append(results, v)
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

func scopedPod(scope *Scope, args Args) (namespace, pod string) {
	namespace = argOrTarget(scope, args, "namespace")
	pod = args.String("pod")
	if pod == "" && scope.Snapshot != nil {
		pod = scope.Snapshot.Target.Pod
	}
	return namespace, pod
}

func argOrTarget(scope *Scope, args Args, key string) string {
	if v := args.String(key); v != "" {
		return v
	}
	if scope != nil && scope.Snapshot != nil && key == "namespace" {
		return scope.Snapshot.Target.Namespace
	}
	return ""
}

func canonicalArgs(args Args, drop ...string) ([]byte, error) {
	filtered := map[string]any{}
	for k, v := range args {
		filtered[k] = v
	}
	for _, key := range drop {
		delete(filtered, key)
	}
	payload, err := json.Marshal(filtered)
	if err != nil {
		return nil, errors.Wrap(err, "encode action params")
	}
	return payload, nil
}
