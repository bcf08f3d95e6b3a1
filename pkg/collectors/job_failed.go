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
	"time"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/logsrc"
)

// historicalLogWindow is how far back the fallback looks when job pods were
// TTL-deleted before the investigation ran.
const historicalLogWindow = 24 * time.Hour

// JobFailedCollector handles the job_failed family. Jobs are investigated
// over their own lifetime, not a lookback window: the collector retimes the
// window to [job.start, alert.time], locates pods by the job-name selector,
// and always collects Job resource events even when every pod is already
// gone.
type JobFailedCollector struct{}

func (c *JobFailedCollector) Name() string { return "job_failed" }

func (c *JobFailedCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyJobFailed)
}

func (c *JobFailedCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	jobName := inv.Target.WorkloadName
	if jobName == "" {
		inv.AddError("job_failed", fmt.Errorf("no job_name on target"))
		return
	}
	if deps.Kube == nil {
		inv.AddError("job_failed", fmt.Errorf("k8s client unavailable"))
		return
	}

	if inv.Evidence.K8s == nil {
		inv.Evidence.K8s = &investigation.K8sEvidence{}
	}
	k8s := inv.Evidence.K8s

	if k8s.JobStatus == nil {
		status, err := deps.Kube.Job(ctx, inv.Target.Namespace, jobName)
		if err != nil {
			inv.AddError("job_status", err)
		} else {
			k8s.JobStatus = status
			if status.StartTime != nil {
				alertTime := inv.Alert.StartsAt
				if alertTime.IsZero() {
					alertTime = inv.TimeWindow.EndTime
				}
				inv.RetimeWindow(*status.StartTime, alertTime, "job_lifetime")
			}
		}
	}

	// Job resource events are collected unconditionally: DeadlineExceeded
	// and BackoffLimitExceeded live here even when no pod survived.
	if k8s.Events == nil {
		events, err := deps.Kube.Events(ctx, inv.Target.Namespace, jobName)
		if err != nil {
			inv.AddError("job_events", err)
		} else {
			k8s.Events = events
		}
	}

	pods, err := deps.Kube.PodsBySelector(ctx, inv.Target.Namespace, "job-name="+jobName)
	if err != nil {
		inv.AddError("job_pods", err)
	}

	switch {
	case len(pods) > 0:
		inv.Target.Pod = pods[len(pods)-1]
		collectPodK8sContext(ctx, deps, inv)
		collectPodLogs(ctx, deps, inv, false)
	default:
		// Historical fallback: the pods were TTL-deleted; any preserved
		// logs in the backend over a wide window are better than nothing.
		c.collectHistoricalLogs(ctx, deps, inv, jobName)
	}

	if inv.Evidence.Logs != nil && inv.Evidence.Logs.Parsed == nil {
		inv.Evidence.Logs.Parsed = ParseLogs(inv.Evidence.Logs.Lines)
	}

	if deps.AWS != nil {
		c.collectAWSValidation(ctx, deps, inv)
	}
}

func (c *JobFailedCollector) collectHistoricalLogs(ctx context.Context, deps Deps, inv *investigation.Investigation, jobName string) {
	if deps.Logs == nil {
		inv.SetMeta("blocked_mode", "job_pods_not_found")
		return
	}
	lines, err := deps.Logs.Tail(ctx, logsrc.Query{
		Namespace: inv.Target.Namespace,
		Pod:       jobName, // backends with label search treat this as a prefix
		MaxLines:  logsrc.DefaultMaxLines,
		Since:     deps.now().Add(-historicalLogWindow),
	})
	if err != nil || len(lines) == 0 {
		if err != nil {
			inv.AddError("historical_logs", err)
		}
		// blocked_mode is set only when the fallback also found nothing
		inv.SetMeta("blocked_mode", "job_pods_not_found")
		return
	}
	if inv.Evidence.Logs == nil {
		inv.Evidence.Logs = &investigation.LogsEvidence{Source: "historical"}
	}
	inv.Evidence.Logs.Lines = lines
}

// collectAWSValidation runs when the job's logs point at S3/IAM problems:
// bucket existence/region, the service account's IRSA annotation, and the
// bound role's policies.
func (c *JobFailedCollector) collectAWSValidation(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	logs := inv.Evidence.Logs
	if logs == nil || logs.Parsed == nil || inv.Evidence.AWS != nil {
		return
	}

	bucket, s3Suspected := detectS3Issue(logs)
	if !s3Suspected {
		return
	}

	aws := &investigation.AWSEvidence{}
	if bucket != "" {
		aws.S3Bucket = deps.AWS.S3BucketCheck(ctx, bucket)
	}

	if deps.Kube != nil && inv.Evidence.K8s != nil && inv.Evidence.K8s.PodInfo != nil {
		sa := inv.Evidence.K8s.PodInfo.ServiceAccount
		if sa != "" {
			roleARN, _, err := deps.Kube.ServiceAccount(ctx, inv.Target.Namespace, sa)
			if err != nil {
				inv.AddError("irsa_lookup", err)
			} else if roleARN == "" {
				aws.IRSAMissing = true
			} else {
				aws.IRSARole = roleARN
				policies, trustOK, err := deps.AWS.RolePolicies(ctx, roleARN)
				if err != nil {
					inv.AddError("iam_role", err)
				} else {
					aws.RolePolicies = policies
					aws.TrustValidated = trustOK
				}
			}
		}
	}
	inv.Evidence.AWS = aws
}

// detectS3Issue scans parsed log entries for S3/IAM failure signatures and
// extracts a bucket name when one is mentioned.
func detectS3Issue(logs *investigation.LogsEvidence) (bucket string, suspected bool) {
	for _, entry := range logs.Parsed.Entries {
		lower := strings.ToLower(entry.Message)
		if strings.Contains(lower, "s3") &&
			(strings.Contains(lower, "access denied") ||
				strings.Contains(lower, "accessdenied") ||
				strings.Contains(lower, "nosuchbucket") ||
				strings.Contains(lower, "forbidden")) {
			suspected = true
			if b := extractBucketName(entry.Message); b != "" {
				bucket = b
			}
		}
	}
	return bucket, suspected
}

func extractBucketName(message string) string {
	for _, token := range strings.Fields(message) {
		if strings.HasPrefix(token, "s3://") {
			rest := strings.TrimPrefix(token, "s3://")
			if idx := strings.IndexByte(rest, '/'); idx > 0 {
				rest = rest[:idx]
			}
			return strings.Trim(rest, `'".,;`)
		}
	}
	return ""
}

func (c *JobFailedCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	var hypotheses []investigation.Hypothesis

	switch f.JobFailureReason {
	case "DeadlineExceeded":
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "job_deadline_exceeded",
			Title:          "Job exceeded its active deadline",
			Confidence:     investigation.ClampConfidence(85),
			Why:            []string{"Job failure condition reports DeadlineExceeded"},
			SupportingRefs: []string{"features.job_failure_reason"},
			NextTests: []string{
				"compare recent run durations against activeDeadlineSeconds",
				"check whether the job's input grew",
			},
		})
	case "BackoffLimitExceeded":
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "job_backoff_limit",
			Title:          "Job pods failed repeatedly until the backoff limit",
			Confidence:     investigation.ClampConfidence(80),
			Why:            []string{"Job failure condition reports BackoffLimitExceeded"},
			SupportingRefs: []string{"features.job_failure_reason"},
			NextTests: []string{
				"read the last failed pod's logs",
			},
		})
	}

	if f.LogsStatus == "errors_found" || f.LogsStatus == "fatal_found" {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "job_app_failure",
			Title:          "Job workload failed on an application error",
			Confidence:     investigation.ClampConfidence(70),
			Why:            []string{"captured logs contain error/fatal patterns"},
			SupportingRefs: []string{"features.logs_status"},
			NextTests: []string{
				"inspect the highest-severity log entries",
				"validate external dependencies the job writes to (S3, DB)",
			},
		})
	}

	if len(hypotheses) == 0 {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "job_failed_no_evidence",
			Title:          "Job failed but its pods were deleted before evidence capture",
			Confidence:     investigation.ClampConfidence(30),
			Why:            []string{"no pods and no preserved logs were found"},
			SupportingRefs: []string{"features.quality.missing_inputs"},
			NextTests: []string{
				"increase the job's ttlSecondsAfterFinished",
				"rerun the investigation right after the next failure",
			},
		})
	}
	return hypotheses
}
