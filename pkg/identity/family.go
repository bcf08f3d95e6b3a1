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

// Package identity implements the identity and dedupe algebra: alert family
// classification, target derivation, time-bucket arithmetic, and the
// deterministic keys used to coalesce repeated alerts.
//
// Everything in this package is a pure function of its inputs. Nothing here
// performs I/O, and nothing here panics on malformed input; unexpected label
// shapes degrade to the generic family or the fingerprint identity instead.
package identity

import "strings"

// Family is a coarse alert class derived deterministically from the
// alertname and labels. Families route alerts to evidence collectors and
// scope family-specific behavior (window adjustment, rollout dedupe,
// verification requirements in RCA).
type Family string

const (
	FamilyCrashloop             Family = "crashloop"
	FamilyCPUThrottling         Family = "cpu_throttling"
	FamilyOOMKilled             Family = "oom_killed"
	FamilyMemoryPressure        Family = "memory_pressure"
	FamilyHTTP5xx               Family = "http_5xx"
	FamilyPodNotHealthy         Family = "pod_not_healthy"
	FamilyJobFailed             Family = "job_failed"
	FamilyTargetDown            Family = "target_down"
	FamilyRolloutHealth         Family = "k8s_rollout_health"
	FamilyObservabilityPipeline Family = "observability_pipeline"
	FamilyMeta                  Family = "meta"
	FamilyGeneric               Family = "generic"
)

// identityExcludedFamilies are families whose alerts carry pod labels only as
// scrape metadata. They MUST NOT adopt pod labels as identity: a TargetDown
// for a kube-state-metrics scrape names a pod, but the pod is not the subject.
var identityExcludedFamilies = map[Family]bool{
	FamilyTargetDown:            true,
	FamilyRolloutHealth:         true,
	FamilyObservabilityPipeline: true,
	FamilyMeta:                  true,
	FamilyJobFailed:             true,
}

// IdentityExcluded reports whether the family is barred from adopting pod
// labels as its dedupe identity.
func IdentityExcluded(f Family) bool {
	return identityExcludedFamilies[f]
}

// rolloutNoisyAlertnames are alert classes whose pod identity churns during
// rollouts. They dedupe on workload identity plus an hour bucket instead of
// pod identity (OomKiller additionally scopes by container).
var rolloutNoisyAlertnames = map[string]bool{
	"KubernetesPodNotHealthy":         true,
	"KubernetesPodNotHealthyCritical": true,
	"KubernetesContainerOomKiller":    true,
}

// RolloutNoisy reports whether the alertname uses workload-scoped dedupe.
func RolloutNoisy(alertname string) bool {
	return rolloutNoisyAlertnames[alertname]
}

// metaAlertnames are watchdog-style alerts that exist to prove the alerting
// pipeline is alive.
var metaAlertnames = map[string]bool{
	"Watchdog":       true,
	"DeadMansSwitch": true,
	"InfoInhibitor":  true,
}

// DeriveFamily classifies an alert into a Family from its alertname and
// labels. The result is stable across label churn: only the alertname and a
// small set of shape signals participate.
//
// Unknown alertnames fall through to generic; a missing alertname is generic
// as well.
func DeriveFamily(labels map[string]string) Family {
	if len(labels) == 0 {
		return FamilyGeneric
	}
	name := labels["alertname"]
	if name == "" {
		return FamilyGeneric
	}

	if metaAlertnames[name] {
		return FamilyMeta
	}

	lower := strings.ToLower(name)

	switch {
	case strings.Contains(lower, "crashloop"):
		return FamilyCrashloop
	case strings.Contains(lower, "cputhrottling") || strings.Contains(lower, "cpu_throttling"):
		return FamilyCPUThrottling
	case strings.Contains(lower, "oom"):
		return FamilyOOMKilled
	case strings.Contains(lower, "memorypressure") || strings.Contains(lower, "memoryusagehigh") || strings.Contains(lower, "memorynearlimit"):
		return FamilyMemoryPressure
	case strings.Contains(lower, "5xx") || strings.Contains(lower, "httperror"):
		return FamilyHTTP5xx
	case strings.Contains(lower, "podnothealthy"):
		return FamilyPodNotHealthy
	case strings.Contains(lower, "jobfailed") || strings.Contains(lower, "jobcompletion"):
		return FamilyJobFailed
	case name == "TargetDown" || strings.Contains(lower, "targetdown"):
		return FamilyTargetDown
	case strings.Contains(lower, "replicasmismatch") ||
		strings.Contains(lower, "rolloutstuck") ||
		strings.Contains(lower, "deploymentgenerationmismatch") ||
		strings.Contains(lower, "statefulsetgenerationmismatch"):
		return FamilyRolloutHealth
	case strings.HasPrefix(name, "Prometheus") ||
		strings.HasPrefix(name, "Alertmanager") ||
		strings.HasPrefix(name, "Thanos") ||
		strings.HasPrefix(name, "Loki") ||
		strings.HasPrefix(name, "Grafana") ||
		strings.HasPrefix(name, "Vector") ||
		strings.HasPrefix(name, "Fluent"):
		return FamilyObservabilityPipeline
	}

	return FamilyGeneric
}
