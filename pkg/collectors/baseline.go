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

package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/logsrc"
	"github.com/tarka-ai/tarka/pkg/promql"
)

const metricsStep = time.Minute

// CollectPodBaseline gathers the shared pod evidence: K8s context, restart
// and phase series, resource usage against limits, recent logs, and the
// deterministic log parse. Every field population checks for prior
// population first, so composed collectors can share the baseline without
// duplicate fetches.
func CollectPodBaseline(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	target := inv.Target
	if target.Pod == "" || target.Namespace == "" {
		inv.AddError("pod_baseline", fmt.Errorf("no pod identity on target"))
		return
	}

	collectPodK8sContext(ctx, deps, inv)
	collectPodMetrics(ctx, deps, inv)
	collectPodLogs(ctx, deps, inv, false)

	if inv.Evidence.Logs != nil && inv.Evidence.Logs.Parsed == nil {
		inv.Evidence.Logs.Parsed = ParseLogs(inv.Evidence.Logs.Lines)
	}
}

func collectPodK8sContext(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if deps.Kube == nil {
		inv.AddError("pod_baseline", fmt.Errorf("k8s client unavailable"))
		return
	}
	target := inv.Target

	if inv.Evidence.K8s == nil {
		inv.Evidence.K8s = &investigation.K8sEvidence{}
	}
	k8s := inv.Evidence.K8s

	if k8s.PodInfo == nil {
		info, conditions, err := deps.Kube.PodContext(ctx, target.Namespace, target.Pod)
		if err != nil {
			inv.AddError("pod_context", err)
		} else {
			k8s.PodInfo = info
			k8s.Conditions = conditions
		}
	}

	if k8s.Events == nil {
		events, err := deps.Kube.Events(ctx, target.Namespace, target.Pod)
		if err != nil {
			inv.AddError("pod_events", err)
		} else {
			k8s.Events = events
		}
	}

	if k8s.OwnerChain == nil {
		chain, err := deps.Kube.OwnerChain(ctx, target.Namespace, target.Pod)
		if err != nil {
			inv.AddError("owner_chain", err)
		} else {
			for _, ref := range chain {
				k8s.OwnerChain = append(k8s.OwnerChain, investigation.OwnerChainEntry{Kind: ref.Kind, Name: ref.Name})
			}
		}
	}

	if k8s.RolloutStatus == nil && inv.Target.WorkloadName != "" {
		status, err := deps.Kube.RolloutStatus(ctx, target.Namespace, inv.Target.WorkloadKind, inv.Target.WorkloadName)
		if err != nil {
			inv.AddError("rollout_status", err)
		} else {
			k8s.RolloutStatus = status
		}
	}
}

func collectPodMetrics(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if deps.Prom == nil {
		inv.AddError("pod_metrics", fmt.Errorf("prometheus client unavailable"))
		return
	}
	if inv.Evidence.Metrics == nil {
		inv.Evidence.Metrics = &investigation.MetricsEvidence{}
	}
	m := inv.Evidence.Metrics
	target := inv.Target
	window := inv.TimeWindow

	sel := fmt.Sprintf(`namespace=%q,pod=%q`, target.Namespace, target.Pod)

	rangeSamples := func(query string) []investigation.SamplePoint {
		matrix, err := deps.Prom.Range(ctx, query, window.StartTime, window.EndTime, metricsStep)
		if err != nil {
			inv.AddError("promql_range", err)
			return nil
		}
		return promql.SamplesFromMatrix(matrix)
	}
	instantValue := func(query string) float64 {
		vector, err := deps.Prom.Instant(ctx, query, window.EndTime)
		if err != nil {
			inv.AddError("promql_instant", err)
			return 0
		}
		if len(vector) == 0 {
			return 0
		}
		return float64(vector[0].Value)
	}

	if m.RestartRate == nil {
		m.RestartRate = rangeSamples(
			fmt.Sprintf(`sum(rate(kube_pod_container_status_restarts_total{%s}[5m]))`, sel))
	}
	if m.PodPhase == nil {
		m.PodPhase = rangeSamples(
			fmt.Sprintf(`sum(kube_pod_status_phase{%s,phase="Running"})`, sel))
	}
	if m.CPUUsage == nil {
		m.CPUUsage = rangeSamples(
			fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{%s,container!=""}[5m]))`, sel))
	}
	if m.MemoryUsage == nil {
		m.MemoryUsage = rangeSamples(
			fmt.Sprintf(`sum(container_memory_working_set_bytes{%s,container!=""})`, sel))
	}
	if m.CPULimit == 0 {
		m.CPULimit = instantValue(
			fmt.Sprintf(`sum(kube_pod_container_resource_limits{%s,resource="cpu"})`, sel))
	}
	if m.CPURequest == 0 {
		m.CPURequest = instantValue(
			fmt.Sprintf(`sum(kube_pod_container_resource_requests{%s,resource="cpu"})`, sel))
	}
	if m.MemoryLimit == 0 {
		m.MemoryLimit = instantValue(
			fmt.Sprintf(`sum(kube_pod_container_resource_limits{%s,resource="memory"})`, sel))
	}
	if m.MemoryRequest == 0 {
		m.MemoryRequest = instantValue(
			fmt.Sprintf(`sum(kube_pod_container_resource_requests{%s,resource="memory"})`, sel))
	}
}

func collectPodLogs(ctx context.Context, deps Deps, inv *investigation.Investigation, previous bool) {
	if deps.Logs == nil {
		inv.AddError("pod_logs", fmt.Errorf("logs backend unavailable"))
		return
	}
	if inv.Evidence.Logs == nil {
		inv.Evidence.Logs = &investigation.LogsEvidence{Source: "kubernetes"}
	}
	logs := inv.Evidence.Logs

	if !previous && logs.Lines == nil {
		lines, err := deps.Logs.Tail(ctx, logsrc.Query{
			Namespace: inv.Target.Namespace,
			Pod:       inv.Target.Pod,
			Container: inv.Target.Container,
			MaxLines:  logsrc.DefaultMaxLines,
			Since:     inv.TimeWindow.StartTime,
		})
		if err != nil {
			inv.AddError("pod_logs", err)
		} else {
			logs.Lines = lines
			logs.Truncated = len(lines) >= logsrc.DefaultMaxLines
		}
	}

	if previous && logs.PreviousLines == nil {
		lines, err := deps.Logs.Tail(ctx, logsrc.Query{
			Namespace: inv.Target.Namespace,
			Pod:       inv.Target.Pod,
			Container: inv.Target.Container,
			Previous:  true,
			MaxLines:  logsrc.DefaultMaxLines,
		})
		if err != nil {
			inv.AddError("previous_logs", err)
		} else {
			logs.PreviousLines = lines
		}
	}
}

// CollectNonPodBaseline gathers evidence for workload/service targets:
// rollout status (with a kube-state-metrics fallback when the API read
// fails) and an up/down skeleton from instant queries over the
// {job,instance,service,namespace} tuple.
func CollectNonPodBaseline(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	target := inv.Target

	if inv.Evidence.K8s == nil {
		inv.Evidence.K8s = &investigation.K8sEvidence{}
	}
	k8s := inv.Evidence.K8s

	if k8s.RolloutStatus == nil && target.WorkloadName != "" && deps.Kube != nil {
		status, err := deps.Kube.RolloutStatus(ctx, target.Namespace, target.WorkloadKind, target.WorkloadName)
		if err != nil {
			inv.AddError("rollout_status", err)
			collectKSMFallback(ctx, deps, inv)
		} else {
			k8s.RolloutStatus = status
		}
	}

	collectUpDownSkeleton(ctx, deps, inv)
}

func collectKSMFallback(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if deps.Prom == nil || inv.Target.WorkloadName == "" {
		return
	}
	if inv.Evidence.K8s.WorkloadSummary != "" {
		return
	}
	query := fmt.Sprintf(
		`kube_deployment_status_replicas_unavailable{namespace=%q,deployment=%q}`,
		inv.Target.Namespace, inv.Target.WorkloadName)
	vector, err := deps.Prom.Instant(ctx, query, inv.TimeWindow.EndTime)
	if err != nil {
		inv.AddError("ksm_fallback", err)
		return
	}
	if len(vector) > 0 {
		inv.Evidence.K8s.WorkloadSummary = fmt.Sprintf(
			"kube-state-metrics: %s/%s has %.0f unavailable replicas",
			inv.Target.Namespace, inv.Target.WorkloadName, float64(vector[0].Value))
	}
}

func collectUpDownSkeleton(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if deps.Prom == nil {
		return
	}
	if inv.Evidence.Metrics == nil {
		inv.Evidence.Metrics = &investigation.MetricsEvidence{}
	}
	m := inv.Evidence.Metrics
	if m.UpDown != nil {
		return
	}

	target := inv.Target
	matchers := ""
	appendMatcher := func(label, value string) {
		if value == "" {
			return
		}
		if matchers != "" {
			matchers += ","
		}
		matchers += fmt.Sprintf("%s=%q", label, value)
	}
	appendMatcher("job", target.Job)
	appendMatcher("instance", target.Instance)
	appendMatcher("service", target.Service)
	appendMatcher("namespace", target.Namespace)
	if matchers == "" {
		return
	}

	vector, err := deps.Prom.Instant(ctx, "up{"+matchers+"}", inv.TimeWindow.EndTime)
	if err != nil {
		inv.AddError("up_skeleton", err)
		return
	}
	for _, sample := range vector {
		m.UpDown = append(m.UpDown, investigation.TargetUp{
			Job:       string(sample.Metric["job"]),
			Instance:  string(sample.Metric["instance"]),
			Service:   string(sample.Metric["service"]),
			Namespace: string(sample.Metric["namespace"]),
			Up:        sample.Value > 0,
		})
	}
}
