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
	"strings"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// CrashloopCollector handles the crashloop family: pod baseline plus the
// previous container instance's logs (the crash forensics live there, not
// in the fresh restart), probe-failure classification from events, and
// crash duration from container statuses.
type CrashloopCollector struct{}

func (c *CrashloopCollector) Name() string { return "crashloop" }

func (c *CrashloopCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyCrashloop)
}

func (c *CrashloopCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	CollectPodBaseline(ctx, deps, inv)
	collectPodLogs(ctx, deps, inv, true)

	if inv.Evidence.Logs != nil && len(inv.Evidence.Logs.PreviousLines) > 0 {
		// Re-parse with the previous instance's lines included: the crash
		// output outweighs the restart banner.
		combined := append(append([]investigation.LogLine(nil),
			inv.Evidence.Logs.PreviousLines...), inv.Evidence.Logs.Lines...)
		inv.Evidence.Logs.Parsed = ParseLogs(combined)
	}

	if inv.Evidence.Meta == nil {
		inv.Evidence.Meta = map[string]any{}
	}
	if probe := classifyProbeFailure(inv.Evidence.K8s); probe != "" {
		inv.Evidence.Meta["probe_failure"] = probe
	}
}

// classifyProbeFailure inspects events for probe failures. Liveness
// failures outrank readiness failures: a failing liveness probe explains a
// restart loop, a failing readiness probe merely explains unavailability.
func classifyProbeFailure(k8s *investigation.K8sEvidence) string {
	if k8s == nil {
		return ""
	}
	readiness := false
	for _, e := range k8s.Events {
		if e.Reason != "Unhealthy" {
			continue
		}
		lower := strings.ToLower(e.Message)
		if strings.Contains(lower, "liveness probe failed") {
			return "liveness"
		}
		if strings.Contains(lower, "readiness probe failed") {
			readiness = true
		}
	}
	if readiness {
		return "readiness"
	}
	return ""
}

func (c *CrashloopCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	var hypotheses []investigation.Hypothesis

	if f.OOMKilled {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID: "crashloop_oom",
			Title:        "Container is crash-looping because it runs out of memory",
			Confidence:   investigation.ClampConfidence(85),
			Why: []string{
				"last termination reason was OOMKilled",
			},
			SupportingRefs: []string{"features.oom_killed"},
			NextTests: []string{
				"compare memory usage series against the limit",
				"check for a recent change that grew the working set",
			},
		})
	}

	if f.ProbeFailure == "liveness" {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID: "crashloop_liveness_probe",
			Title:        "Liveness probe failures are killing the container",
			Confidence:   investigation.ClampConfidence(75),
			Why: []string{
				"Unhealthy events report liveness probe failures",
			},
			SupportingRefs: []string{"features.probe_failure"},
			NextTests: []string{
				"inspect the probe endpoint latency and the probe timeout",
			},
		})
	}

	if f.LogFatalCount > 0 || f.LogsStatus == "fatal_found" {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID: "crashloop_app_fatal",
			Title:        "Application exits fatally at startup",
			Confidence:   investigation.ClampConfidence(confidenceFromCrashDuration(f.CrashDurationSecs, 70)),
			Why: []string{
				"previous container logs contain fatal/exception patterns",
			},
			SupportingRefs: []string{"features.logs_status", "features.crash_duration_secs"},
			NextTests: []string{
				"read the last fatal log entries in the previous container logs",
				"correlate with recent commits touching startup configuration",
			},
		})
	}

	if len(hypotheses) == 0 && f.RestartRateMax > 0 {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID: "crashloop_undiagnosed",
			Title:        "Container restarts repeatedly without a clear local cause",
			Confidence:   investigation.ClampConfidence(40),
			Why: []string{
				"restart rate is elevated but logs and events are inconclusive",
			},
			SupportingRefs: []string{"features.restart_rate_max"},
			NextTests: []string{
				"pull previous container logs",
				"check recent deploys for the owning workload",
			},
		})
	}
	return hypotheses
}

// confidenceFromCrashDuration nudges confidence up for fast crashes: a
// sub-10s lifetime is almost always a startup failure.
func confidenceFromCrashDuration(secs float64, base int) int {
	if secs > 0 && secs < 10 {
		return base + 15
	}
	return base
}
