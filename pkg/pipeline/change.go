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

package pipeline

import (
	"fmt"
	"time"

	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/promql"
)

// recentRolloutWindow bounds how fresh a rollout must be to count as a
// correlated change.
const recentRolloutWindow = 2 * time.Hour

// CorrelateChange attaches a change-correlation sub-record: did a rollout
// land recently enough to plausibly explain the incident. Read-only and
// best-effort; absence of signal produces no record at all.
func CorrelateChange(inv *investigation.Investigation, now time.Time) {
	k8s := inv.Evidence.K8s
	if k8s == nil || inv.Analysis.Change != nil {
		return
	}

	change := &investigation.ChangeCorrelation{}
	found := false

	if rs := k8s.RolloutStatus; rs != nil {
		if rs.Image != "" {
			change.CurrentImage = rs.Image
		}
		if rs.Progressing {
			change.RecentRollout = true
			found = true
		}
	}

	if k8s.PodInfo != nil && k8s.PodInfo.StartTime != nil {
		age := now.Sub(*k8s.PodInfo.StartTime)
		if age >= 0 && age < recentRolloutWindow {
			change.RecentRollout = true
			change.RolloutAgeSecs = int64(age.Seconds())
			found = true
		}
	}

	if !found {
		return
	}

	if change.RolloutAgeSecs > 0 {
		change.Summary = fmt.Sprintf("pod started %s before the alert; a recent rollout may be the trigger",
			(time.Duration(change.RolloutAgeSecs) * time.Second).Round(time.Minute))
	} else {
		change.Summary = "a rollout is currently progressing for the owning workload"
	}
	inv.Analysis.Change = change
}

// AssessNoise attaches a noise sub-record. similarRecent comes from the
// relational index (runs with the same identity in the recent past); a
// caller without index access passes 0.
func AssessNoise(inv *investigation.Investigation, similarRecent int) {
	if inv.Analysis.Noise != nil {
		return
	}
	noise := &investigation.NoiseAssessment{
		SimilarRecentRuns: similarRecent,
	}
	if similarRecent >= 3 {
		noise.FlappingSuspected = true
		noise.Summary = fmt.Sprintf("%d similar runs recently; this alert may be flapping", similarRecent)
	}
	if !inv.Alert.Firing() {
		noise.Summary = "alert arrived already resolved"
	}
	inv.Analysis.Noise = noise
}

// BuildCapacityReport computes headroom percentages from the collected usage
// series and limits. Attached only when limits are known.
func BuildCapacityReport(inv *investigation.Investigation) {
	m := inv.Evidence.Metrics
	if m == nil || inv.Analysis.Capacity != nil {
		return
	}
	if m.CPULimit <= 0 && m.MemoryLimit <= 0 {
		return
	}

	report := &investigation.CapacityReport{}
	if m.CPULimit > 0 {
		report.CPUHeadroomPct = headroomPct(promql.P95Sample(m.CPUUsage), m.CPULimit)
	}
	if m.MemoryLimit > 0 {
		report.MemoryHeadroomPct = headroomPct(promql.P95Sample(m.MemoryUsage), m.MemoryLimit)
	}
	report.Summary = fmt.Sprintf("p95 headroom: cpu %.0f%%, memory %.0f%%",
		report.CPUHeadroomPct, report.MemoryHeadroomPct)
	inv.Analysis.Capacity = report
}

func headroomPct(usage, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := (1 - usage/limit) * 100
	if pct < 0 {
		return 0
	}
	return pct
}
