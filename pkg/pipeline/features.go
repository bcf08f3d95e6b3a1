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
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/promql"
)

// nearLimitRatio marks usage as "near limit" at 90% of the configured limit.
const nearLimitRatio = 0.9

// ExtractFeatures folds the sparse evidence record into the compact feature
// set the diagnostic modules reason over. The fold is the only place that
// knows evidence shape; hypotheses never reach past features.
func ExtractFeatures(inv *investigation.Investigation) investigation.Features {
	f := investigation.Features{}

	foldK8s(inv, &f)
	foldMetrics(inv, &f)
	foldLogs(inv, &f)
	foldMeta(inv, &f)
	gradeQuality(inv, &f)

	return f
}

func foldK8s(inv *investigation.Investigation, f *investigation.Features) {
	k8s := inv.Evidence.K8s
	if k8s == nil {
		return
	}

	if k8s.PodInfo != nil {
		for _, cs := range k8s.PodInfo.ContainerStatuses {
			if cs.WaitingReason != "" && f.WaitingReason == "" {
				f.WaitingReason = cs.WaitingReason
				f.K8s.WaitingReason = "evidence.k8s.pod_info.container_statuses"
			}
			if cs.OOMKilled {
				f.OOMKilled = true
			}
			if d := cs.CrashDuration(); d > 0 {
				secs := d.Seconds()
				if f.CrashDurationSecs == 0 || secs < f.CrashDurationSecs {
					// shortest observed lifetime is the diagnostic one
					f.CrashDurationSecs = secs
				}
			}
		}
	}

	for _, e := range k8s.Events {
		if e.Type == "Warning" && f.K8s.EventReason == "" {
			f.K8s.EventReason = e.Reason
		}
	}

	if k8s.ImagePull != nil {
		f.ImagePullBucket = k8s.ImagePull.ErrorBucket
	}
	if k8s.JobStatus != nil {
		f.JobFailureReason = k8s.JobStatus.FailureReason
	}
	if rs := k8s.RolloutStatus; rs != nil {
		f.RolloutDegraded = rs.DesiredReplicas > 0 && rs.ReadyReplicas < rs.DesiredReplicas
	}
}

func foldMetrics(inv *investigation.Investigation, f *investigation.Features) {
	m := inv.Evidence.Metrics
	if m == nil {
		return
	}

	f.RestartRateMax = promql.MaxSample(m.RestartRate)
	f.CPUThrottleP95 = promql.P95Sample(m.CPUThrottlePct)
	f.HTTP5xxRateP95 = promql.P95Sample(m.HTTP5xxRate)

	if m.CPULimit > 0 {
		f.CPUNearLimit = promql.P95Sample(m.CPUUsage) >= nearLimitRatio*m.CPULimit
	}
	if m.MemoryLimit > 0 {
		f.MemoryNearLimit = promql.P95Sample(m.MemoryUsage) >= nearLimitRatio*m.MemoryLimit
	}

	for _, t := range m.UpDown {
		if !t.Up {
			f.TargetsDown++
		}
	}
}

func foldLogs(inv *investigation.Investigation, f *investigation.Features) {
	logs := inv.Evidence.Logs
	if logs == nil || logs.Parsed == nil {
		return
	}
	f.LogsStatus = logs.Parsed.Status
	for _, entry := range logs.Parsed.Entries {
		switch entry.Severity {
		case "fatal", "exception":
			f.LogFatalCount++
		case "error":
			f.LogErrorCount++
		}
	}
}

func foldMeta(inv *investigation.Investigation, f *investigation.Features) {
	if inv.Evidence.Meta == nil {
		return
	}
	if probe, ok := inv.Evidence.Meta["probe_failure"].(string); ok {
		f.ProbeFailure = probe
	}
	if hint, ok := inv.Evidence.Meta["oom_hint"].(string); ok {
		f.OOMHint = hint
	}
}

// gradeQuality grades evidence completeness and flags contradictions. The
// grade drives both the report's quality banner and the RCA graph's
// need_more_evidence decision.
func gradeQuality(inv *investigation.Investigation, f *investigation.Features) {
	var missing []string
	if inv.Evidence.K8s == nil {
		missing = append(missing, "k8s")
	}
	if inv.Evidence.Metrics == nil {
		missing = append(missing, "metrics")
	}
	if inv.Evidence.Logs == nil || len(inv.Evidence.Logs.Lines)+len(inv.Evidence.Logs.PreviousLines) == 0 {
		missing = append(missing, "logs")
	}

	var contradictions []string
	if f.OOMKilled && inv.Evidence.Metrics != nil &&
		inv.Evidence.Metrics.MemoryLimit > 0 && !f.MemoryNearLimit {
		contradictions = append(contradictions, "oom_killed_but_memory_not_near_limit")
	}
	if f.RestartRateMax == 0 && f.CrashDurationSecs > 0 {
		contradictions = append(contradictions, "crash_observed_but_restart_rate_flat")
	}

	quality := investigation.QualityHigh
	switch {
	case len(missing) >= 2:
		quality = investigation.QualityLow
	case len(missing) == 1 || len(contradictions) > 0:
		quality = investigation.QualityMedium
	}

	f.Quality = investigation.FeatureQuality{
		EvidenceQuality:    quality,
		MissingInputs:      missing,
		ContradictionFlags: contradictions,
	}
}
