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

package investigation

import "time"

// Evidence is the sparse, collector-populated evidence record. Every field
// group is optional; collectors fill what they can reach and leave the rest
// nil. Population is idempotent: a non-nil group is never replaced.
type Evidence struct {
	K8s     *K8sEvidence     `json:"k8s,omitempty"`
	Metrics *MetricsEvidence `json:"metrics,omitempty"`
	Logs    *LogsEvidence    `json:"logs,omitempty"`
	AWS     *AWSEvidence     `json:"aws,omitempty"`
	GitHub  *GitHubEvidence  `json:"github,omitempty"`
	Meta    map[string]any   `json:"meta,omitempty"`
}

// K8sEvidence captures the Kubernetes context of the target.
type K8sEvidence struct {
	PodInfo         *PodInfo          `json:"pod_info,omitempty"`
	Conditions      []PodCondition    `json:"conditions,omitempty"`
	Events          []Event           `json:"events,omitempty"`
	OwnerChain      []OwnerChainEntry `json:"owner_chain,omitempty"`
	RolloutStatus   *RolloutStatus    `json:"rollout_status,omitempty"`
	JobStatus       *JobStatus        `json:"job_status,omitempty"`
	ImagePull       *ImagePullInfo    `json:"image_pull,omitempty"`
	WorkloadSummary string            `json:"workload_summary,omitempty"`
}

// PodInfo is a flattened view of the target pod.
type PodInfo struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Phase             string            `json:"phase,omitempty"`
	NodeName          string            `json:"node_name,omitempty"`
	StartTime         *time.Time        `json:"start_time,omitempty"`
	ServiceAccount    string            `json:"service_account,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	ContainerStatuses []ContainerStatus `json:"container_statuses,omitempty"`
}

// ContainerStatus is the subset of container state the pipeline reasons
// about.
type ContainerStatus struct {
	Name           string     `json:"name"`
	Image          string     `json:"image,omitempty"`
	Ready          bool       `json:"ready"`
	RestartCount   int32      `json:"restart_count"`
	WaitingReason  string     `json:"waiting_reason,omitempty"`
	WaitingMessage string     `json:"waiting_message,omitempty"`
	LastExitCode   *int32     `json:"last_exit_code,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	OOMKilled      bool       `json:"oom_killed,omitempty"`
}

// CrashDuration reports how long the container ran before its last exit, or
// zero when the timestamps are unavailable.
func (cs ContainerStatus) CrashDuration() time.Duration {
	if cs.LastStartedAt == nil || cs.LastFinishedAt == nil {
		return 0
	}
	d := cs.LastFinishedAt.Sub(*cs.LastStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// PodCondition mirrors corev1.PodCondition sparsely.
type PodCondition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is a Kubernetes event relevant to the target.
type Event struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message,omitempty"`
	Count     int32     `json:"count,omitempty"`
	Object    string    `json:"object,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	FirstSeen time.Time `json:"first_seen,omitempty"`
}

// OwnerChainEntry is one resolved ownership hop, innermost first.
type OwnerChainEntry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// RolloutStatus summarizes workload rollout health.
type RolloutStatus struct {
	Kind              string `json:"kind"`
	Name              string `json:"name"`
	DesiredReplicas   int32  `json:"desired_replicas"`
	ReadyReplicas     int32  `json:"ready_replicas"`
	UpdatedReplicas   int32  `json:"updated_replicas"`
	AvailableReplicas int32  `json:"available_replicas"`
	Image             string `json:"image,omitempty"`
	Progressing       bool   `json:"progressing"`
	Message           string `json:"message,omitempty"`
}

// JobStatus summarizes a batch Job for the job_failed family.
type JobStatus struct {
	Name           string     `json:"name"`
	Namespace      string     `json:"namespace"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	Active         int32      `json:"active"`
	Succeeded      int32      `json:"succeeded"`
	Failed         int32      `json:"failed"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	BackoffLimit   *int32     `json:"backoff_limit,omitempty"`
}

// ImagePullInfo is the optional image-pull diagnostic block for
// pod_not_healthy investigations.
type ImagePullInfo struct {
	ImageRef    *ImageRef `json:"image_ref,omitempty"`
	ErrorBucket string    `json:"error_bucket,omitempty"` // not_found | auth | tls | network | unknown
	Message     string    `json:"message,omitempty"`
	PullSecrets []string  `json:"pull_secrets,omitempty"`
	ECRProbe    string    `json:"ecr_probe,omitempty"`
}

// ImageRef is a parsed container image reference.
type ImageRef struct {
	Registry   string `json:"registry,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
	ECR        bool   `json:"ecr,omitempty"`
	ECRAccount string `json:"ecr_account,omitempty"`
	ECRRegion  string `json:"ecr_region,omitempty"`
}

// MetricsEvidence holds Prometheus-derived series and aggregates.
type MetricsEvidence struct {
	RestartRate    []SamplePoint `json:"restart_rate,omitempty"`
	PodPhase       []SamplePoint `json:"pod_phase,omitempty"`
	CPUUsage       []SamplePoint `json:"cpu_usage,omitempty"`
	CPULimit       float64       `json:"cpu_limit,omitempty"`
	CPURequest     float64       `json:"cpu_request,omitempty"`
	CPUThrottlePct []SamplePoint `json:"cpu_throttle_pct,omitempty"`
	MemoryUsage    []SamplePoint `json:"memory_usage,omitempty"`
	MemoryLimit    float64       `json:"memory_limit,omitempty"`
	MemoryRequest  float64       `json:"memory_request,omitempty"`
	HTTP5xxRate    []SamplePoint `json:"http_5xx_rate,omitempty"`
	HTTP5xxSeries  string        `json:"http_5xx_series,omitempty"`
	UpDown         []TargetUp    `json:"up_down,omitempty"`
	KSMSummary     string        `json:"ksm_summary,omitempty"`
}

// SamplePoint is one (timestamp, value) sample.
type SamplePoint struct {
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
}

// TargetUp is one row of the up/down skeleton computed from instant queries
// over {job,instance,service,namespace} tuples.
type TargetUp struct {
	Job       string `json:"job,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Service   string `json:"service,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Up        bool   `json:"up"`
}

// LogsEvidence holds the captured log set and its deterministic parse.
type LogsEvidence struct {
	Lines         []LogLine   `json:"lines,omitempty"`
	PreviousLines []LogLine   `json:"previous_lines,omitempty"`
	Parsed        *ParsedLogs `json:"parsed,omitempty"`
	Source        string      `json:"source,omitempty"`
	Truncated     bool        `json:"truncated,omitempty"`
}

// LogLine is one captured line with its position in the capture.
type LogLine struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"ts,omitempty"`
	Text      string    `json:"text"`
}

// ParsedLogs is the deterministic classification of a log set.
type ParsedLogs struct {
	Entries        []ParsedEntry  `json:"entries,omitempty"`
	PatternCounts  map[string]int `json:"pattern_counts,omitempty"`
	UniquePatterns []string       `json:"unique_patterns,omitempty"`
	Status         string         `json:"status,omitempty"` // clean | errors_found | fatal_found | empty
}

// ParsedEntry is one classified log line.
type ParsedEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"ts,omitempty"`
	Severity  string    `json:"severity"` // fatal | exception | error
	Pattern   string    `json:"pattern"`
	Message   string    `json:"message"`
}

// AWSEvidence holds optional cloud-side validation results.
type AWSEvidence struct {
	S3Bucket       *S3BucketCheck `json:"s3_bucket,omitempty"`
	IRSARole       string         `json:"irsa_role,omitempty"`
	IRSAMissing    bool           `json:"irsa_missing,omitempty"`
	RolePolicies   []string       `json:"role_policies,omitempty"`
	TrustValidated bool           `json:"trust_validated,omitempty"`
	Notes          []string       `json:"notes,omitempty"`
}

// S3BucketCheck is the result of a bucket existence/region probe.
type S3BucketCheck struct {
	Bucket string `json:"bucket"`
	Exists bool   `json:"exists"`
	Region string `json:"region,omitempty"`
	Error  string `json:"error,omitempty"`
}

// GitHubEvidence holds source-control context gathered by tools.
type GitHubEvidence struct {
	Repository string       `json:"repository,omitempty"`
	Commits    []CommitInfo `json:"commits,omitempty"`
}

// CommitInfo is one recent commit.
type CommitInfo struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
	URL       string    `json:"url,omitempty"`
}
