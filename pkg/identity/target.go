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

package identity

// TargetType classifies what an alert is about.
type TargetType string

const (
	TargetPod      TargetType = "pod"
	TargetWorkload TargetType = "workload"
	TargetService  TargetType = "service"
	TargetNone     TargetType = "none"
)

// Target is the subject an investigation is scoped to. Derivation is
// label-first; the owner chain (when the K8s client supplied one) refines
// pod targets with workload identity.
type Target struct {
	Type         TargetType `json:"target_type"`
	Cluster      string     `json:"cluster,omitempty"`
	Namespace    string     `json:"namespace,omitempty"`
	Pod          string     `json:"pod,omitempty"`
	Container    string     `json:"container,omitempty"`
	WorkloadKind string     `json:"workload_kind,omitempty"`
	WorkloadName string     `json:"workload_name,omitempty"`
	Service      string     `json:"service,omitempty"`
	Job          string     `json:"job,omitempty"`
	Instance     string     `json:"instance,omitempty"`
	Team         string     `json:"team,omitempty"`
	Playbook     string     `json:"playbook,omitempty"`
}

// DisplayName returns a short human label for the target, preferring the most
// specific identity available.
func (t Target) DisplayName() string {
	switch {
	case t.Pod != "":
		return t.Pod
	case t.WorkloadName != "":
		return t.WorkloadName
	case t.Service != "":
		return t.Service
	case t.Job != "":
		return t.Job
	}
	return "unknown"
}

// OwnerRef is one entry of a pod's resolved ownership chain, innermost
// first. ReplicaSets are expected to already be collapsed to their
// Deployment by the K8s client.
type OwnerRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// workloadKinds are owner kinds that count as workload identity.
var workloadKinds = map[string]bool{
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"Job":         true,
	"CronJob":     true,
	"Rollout":     true,
}

// DeriveTarget computes the investigation target for an alert.
//
// envCluster is the receiver's CLUSTER_NAME fallback for alerts that carry no
// cluster label. ownerChain is optional; when present and the alert names a
// pod, the outermost workload owner supplies workload identity.
//
// Identity-excluded families (target_down, k8s_rollout_health,
// observability_pipeline, meta, job_failed) never adopt pod labels: for
// those, pod/container labels are scrape metadata, not the subject. For
// job_failed the workload name comes from the job_name label (the `job`
// label is the Prometheus scrape job, a different thing entirely).
func DeriveTarget(labels map[string]string, family Family, envCluster string, ownerChain []OwnerRef) Target {
	t := Target{
		Type:      TargetNone,
		Cluster:   firstNonEmpty(labels["cluster"], envCluster),
		Namespace: labels["namespace"],
		Service:   labels["service"],
		Job:       labels["job"],
		Instance:  labels["instance"],
		Team:      firstNonEmpty(labels["team"], labels["owner"]),
		Playbook:  labels["playbook"],
	}

	if IdentityExcluded(family) {
		if family == FamilyJobFailed {
			if jobName := labels["job_name"]; jobName != "" {
				t.Type = TargetWorkload
				t.WorkloadKind = "Job"
				t.WorkloadName = jobName
				return t
			}
		}
		if t.Service != "" {
			t.Type = TargetService
		}
		return t
	}

	if pod := labels["pod"]; pod != "" {
		t.Type = TargetPod
		t.Pod = pod
		t.Container = labels["container"]
		t.WorkloadKind, t.WorkloadName = workloadFromChain(ownerChain)
		if t.WorkloadName == "" {
			t.WorkloadKind, t.WorkloadName = workloadFromLabels(labels)
		}
		return t
	}

	if kind, name := workloadFromLabels(labels); name != "" {
		t.Type = TargetWorkload
		t.WorkloadKind = kind
		t.WorkloadName = name
		t.Container = labels["container"]
		return t
	}

	if t.Service != "" {
		t.Type = TargetService
	}
	return t
}

func workloadFromChain(chain []OwnerRef) (kind, name string) {
	for i := len(chain) - 1; i >= 0; i-- {
		if workloadKinds[chain[i].Kind] {
			return chain[i].Kind, chain[i].Name
		}
	}
	return "", ""
}

func workloadFromLabels(labels map[string]string) (kind, name string) {
	if v := labels["deployment"]; v != "" {
		return "Deployment", v
	}
	if v := labels["statefulset"]; v != "" {
		return "StatefulSet", v
	}
	if v := labels["daemonset"]; v != "" {
		return "DaemonSet", v
	}
	if v := labels["job_name"]; v != "" {
		return "Job", v
	}
	if v := labels["workload"]; v != "" {
		return firstNonEmpty(labels["workload_type"], "Deployment"), v
	}
	return "", ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
