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

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// GenericCollector is the fallback for every family without a dedicated
// collector (generic, target_down, k8s_rollout_health,
// observability_pipeline, meta). It routes to the pod or non-pod baseline
// based on what identity the target carries.
type GenericCollector struct{}

func (c *GenericCollector) Name() string { return "generic" }

func (c *GenericCollector) Applies(inv *investigation.Investigation) bool {
	switch inv.Family {
	case identity.FamilyCrashloop, identity.FamilyCPUThrottling,
		identity.FamilyOOMKilled, identity.FamilyMemoryPressure,
		identity.FamilyHTTP5xx, identity.FamilyPodNotHealthy,
		identity.FamilyJobFailed:
		return false
	}
	return true
}

func (c *GenericCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if inv.Target.Pod != "" {
		CollectPodBaseline(ctx, deps, inv)
		return
	}
	CollectNonPodBaseline(ctx, deps, inv)
}

func (c *GenericCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	var hypotheses []investigation.Hypothesis

	if f.RolloutDegraded {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "rollout_degraded",
			Title:          "Workload rollout is not fully available",
			Confidence:     investigation.ClampConfidence(70),
			Why:            []string{"rollout status reports fewer ready replicas than desired"},
			SupportingRefs: []string{"features.rollout_degraded"},
			NextTests: []string{
				"inspect the newest pods of the workload",
				"check whether a rollout is currently in progress",
			},
		})
	}

	if f.TargetsDown > 0 {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "scrape_targets_down",
			Title:          fmt.Sprintf("%d scrape targets are down", f.TargetsDown),
			Confidence:     investigation.ClampConfidence(65),
			Why:            []string{"up{} reports zero for matching targets"},
			SupportingRefs: []string{"features.targets_down"},
			NextTests: []string{
				"check whether the target process is running",
				"check service endpoints and network policy",
			},
		})
	}

	if len(hypotheses) == 0 {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "generic_inconclusive",
			Title:          "No family-specific cause identified from available evidence",
			Confidence:     investigation.ClampConfidence(25),
			Why:            []string{"baseline evidence did not surface a dominant signal"},
			SupportingRefs: []string{"features.quality.evidence_quality"},
			NextTests: []string{
				"review the raw alert annotations",
				"widen the investigation window",
			},
		})
	}
	return hypotheses
}
