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
	"strings"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/promql"
)

// CPUThrottlingCollector attaches throttling percentage and period counters
// per (container,pod,namespace) on top of the pod baseline.
type CPUThrottlingCollector struct{}

func (c *CPUThrottlingCollector) Name() string { return "cpu_throttling" }

func (c *CPUThrottlingCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyCPUThrottling)
}

func (c *CPUThrottlingCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	CollectPodBaseline(ctx, deps, inv)

	if deps.Prom == nil || inv.Evidence.Metrics == nil {
		return
	}
	m := inv.Evidence.Metrics
	if m.CPUThrottlePct != nil {
		return
	}

	sel := fmt.Sprintf(`namespace=%q,pod=%q`, inv.Target.Namespace, inv.Target.Pod)
	if inv.Target.Container != "" {
		sel += fmt.Sprintf(`,container=%q`, inv.Target.Container)
	}
	query := fmt.Sprintf(
		`sum(rate(container_cpu_cfs_throttled_periods_total{%[1]s}[5m])) / sum(rate(container_cpu_cfs_periods_total{%[1]s}[5m])) * 100`,
		sel)

	matrix, err := deps.Prom.Range(ctx, query, inv.TimeWindow.StartTime, inv.TimeWindow.EndTime, metricsStep)
	if err != nil {
		inv.AddError("cpu_throttle", err)
		return
	}
	m.CPUThrottlePct = promql.SamplesFromMatrix(matrix)
}

func (c *CPUThrottlingCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	if f.CPUThrottleP95 <= 0 {
		return nil
	}
	confidence := 50
	if f.CPUThrottleP95 >= 25 {
		confidence = 80
	}
	h := investigation.Hypothesis{
		HypothesisID:   "cpu_limit_too_low",
		Title:          "CPU limit is too low for the workload's demand",
		Confidence:     investigation.ClampConfidence(confidence),
		Why:            []string{fmt.Sprintf("p95 throttled-period ratio is %.1f%%", f.CPUThrottleP95)},
		SupportingRefs: []string{"features.cpu_throttle_p95"},
		NextTests: []string{
			"compare CPU usage p95 against the limit",
			"check whether latency SLO burn correlates with throttle spikes",
		},
	}
	if f.CPUNearLimit {
		h.Why = append(h.Why, "CPU usage runs near the configured limit")
		h.SupportingRefs = append(h.SupportingRefs, "features.cpu_near_limit")
	}
	return []investigation.Hypothesis{h}
}

// OOMKilledCollector runs the pod baseline and extracts an OOM hint from
// labels/annotations.
type OOMKilledCollector struct{}

func (c *OOMKilledCollector) Name() string { return "oom_killed" }

func (c *OOMKilledCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyOOMKilled)
}

func (c *OOMKilledCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	CollectPodBaseline(ctx, deps, inv)

	if inv.Evidence.Meta == nil {
		inv.Evidence.Meta = map[string]any{}
	}
	if _, ok := inv.Evidence.Meta["oom_hint"]; !ok {
		if hint := oomHint(inv.Alert.Labels, inv.Alert.Annotations); hint != "" {
			inv.Evidence.Meta["oom_hint"] = hint
		}
	}
}

func oomHint(labels, annotations map[string]string) string {
	for _, source := range []map[string]string{annotations, labels} {
		for _, key := range []string{"oom_hint", "description", "summary", "message"} {
			if v := source[key]; v != "" && strings.Contains(strings.ToLower(v), "oom") {
				return truncate(v, 200)
			}
		}
	}
	return ""
}

func (c *OOMKilledCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	if !f.OOMKilled && f.OOMHint == "" && !f.MemoryNearLimit {
		return nil
	}
	confidence := 60
	why := []string{}
	refs := []string{}
	if f.OOMKilled {
		confidence = 90
		why = append(why, "container terminated with reason OOMKilled")
		refs = append(refs, "features.oom_killed")
	}
	if f.MemoryNearLimit {
		confidence += 5
		why = append(why, "memory usage runs near the configured limit")
		refs = append(refs, "features.memory_near_limit")
	}
	if f.OOMHint != "" {
		why = append(why, "alert annotations mention OOM")
		refs = append(refs, "features.oom_hint")
	}
	return []investigation.Hypothesis{{
		HypothesisID:   "memory_limit_exceeded",
		Title:          "Memory limit is exceeded under normal load",
		Confidence:     investigation.ClampConfidence(confidence),
		Why:            why,
		SupportingRefs: refs,
		NextTests: []string{
			"chart working-set bytes against the limit over 24h",
			"check for a recent change that grew the working set",
		},
	}}
}

// MemoryPressureCollector is the pod baseline alone; memory evidence is
// already part of the baseline.
type MemoryPressureCollector struct{}

func (c *MemoryPressureCollector) Name() string { return "memory_pressure" }

func (c *MemoryPressureCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyMemoryPressure)
}

func (c *MemoryPressureCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	CollectPodBaseline(ctx, deps, inv)
}

func (c *MemoryPressureCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	if !f.MemoryNearLimit {
		return nil
	}
	return []investigation.Hypothesis{{
		HypothesisID:   "memory_headroom_exhausted",
		Title:          "Memory headroom is nearly exhausted",
		Confidence:     investigation.ClampConfidence(70),
		Why:            []string{"working set runs near the configured limit"},
		SupportingRefs: []string{"features.memory_near_limit"},
		NextTests: []string{
			"review limit sizing against p99 working set",
		},
	}}
}
