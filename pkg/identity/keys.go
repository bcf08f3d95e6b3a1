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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

// DefaultBucketHours is the dedupe window for non-rollout alerts.
const DefaultBucketHours = 4

// IdentityKind is the identity preference used inside the dedupe key, in
// order of preference: job, pod, service, fingerprint.
type IdentityKind string

const (
	KindJob         IdentityKind = "job"
	KindPod         IdentityKind = "pod"
	KindService     IdentityKind = "service"
	KindFingerprint IdentityKind = "fingerprint"
)

// BucketStart floors t to an H-hour boundary in UTC. Naive wall-clock inputs
// are treated as UTC. H must be positive.
func BucketStart(t time.Time, hours int) (time.Time, error) {
	if hours <= 0 {
		return time.Time{}, errors.Errorf("invalid bucket hours: %d (must be > 0)", hours)
	}
	u := t.UTC()
	flooredHour := u.Hour() - (u.Hour() % hours)
	return time.Date(u.Year(), u.Month(), u.Day(), flooredHour, 0, 0, 0, time.UTC), nil
}

// BucketLabel renders a bucket start as YYYYMMDDHH.
func BucketLabel(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// dedupPayload is the canonical-JSON input to the dedupe hash. encoding/json
// sorts map keys, which makes the encoding canonical; struct fields marshal
// in declaration order, which is fixed here and versioned by V.
type dedupPayload struct {
	V           int               `json:"v"`
	BucketHours int               `json:"bucket_hours"`
	Bucket      string            `json:"bucket"`
	Alertname   string            `json:"alertname"`
	Family      string            `json:"family"`
	Kind        string            `json:"kind"`
	Identity    map[string]string `json:"identity"`
}

// DedupKey computes the SHA-256 dedupe key for an alert within an H-hour
// bucket.
//
// Identity kind preference is job > pod > service > fingerprint:
//
//   - a job_name label yields job identity {job_name, namespace, cluster}
//   - a pod label yields pod identity {pod, namespace, cluster} -- unless the
//     family is identity-excluded, in which case pod labels are ignored
//   - a service label yields service identity {service, namespace, cluster}
//   - otherwise the fingerprint itself is the identity, so two distinct
//     fingerprints always produce two distinct keys
//
// The key is invariant under changes to labels outside the chosen identity
// (severity, endpoint, prometheus replica, ...) and, for job/pod/service
// identities, invariant under fingerprint churn.
func DedupKey(labels map[string]string, fingerprint string, family Family, envCluster string, now time.Time, bucketHours int) (string, error) {
	bucket, err := BucketStart(now, bucketHours)
	if err != nil {
		return "", err
	}

	cluster := firstNonEmpty(labels["cluster"], envCluster)
	kind, id := resolveIdentity(labels, fingerprint, family, cluster)

	payload := dedupPayload{
		V:           1,
		BucketHours: bucketHours,
		Bucket:      BucketLabel(bucket),
		Alertname:   labels["alertname"],
		Family:      string(family),
		Kind:        string(kind),
		Identity:    id,
	}
	return hashJSON(payload), nil
}

func resolveIdentity(labels map[string]string, fingerprint string, family Family, cluster string) (IdentityKind, map[string]string) {
	if jobName := labels["job_name"]; jobName != "" {
		return KindJob, map[string]string{
			"job_name":  jobName,
			"namespace": labels["namespace"],
			"cluster":   cluster,
		}
	}
	if pod := labels["pod"]; pod != "" && !IdentityExcluded(family) {
		return KindPod, map[string]string{
			"pod":       pod,
			"namespace": labels["namespace"],
			"cluster":   cluster,
		}
	}
	if service := labels["service"]; service != "" {
		return KindService, map[string]string{
			"service":   service,
			"namespace": labels["namespace"],
			"cluster":   cluster,
		}
	}
	return KindFingerprint, map[string]string{"fingerprint": fingerprint}
}

// rolloutPayload is the canonical-JSON input to the workload-scoped key.
type rolloutPayload struct {
	V            int    `json:"v"`
	Scope        string `json:"scope"`
	Alertname    string `json:"alertname"`
	Family       string `json:"family"`
	Cluster      string `json:"cluster"`
	Namespace    string `json:"namespace"`
	WorkloadKind string `json:"workload_kind"`
	WorkloadName string `json:"workload_name"`
	Container    string `json:"container,omitempty"`
}

// RolloutWorkloadKey computes the workload-scoped key used by rollout-noisy
// alert classes, where pod identity churns with every rollout. Returns empty
// when workload identity is unavailable.
//
// KubernetesContainerOomKiller additionally includes the container so two
// containers in the same workload dedupe independently.
func RolloutWorkloadKey(labels map[string]string, family Family, target Target) string {
	if target.WorkloadName == "" {
		return ""
	}
	payload := rolloutPayload{
		V:            1,
		Scope:        "workload",
		Alertname:    labels["alertname"],
		Family:       string(family),
		Cluster:      target.Cluster,
		Namespace:    target.Namespace,
		WorkloadKind: target.WorkloadKind,
		WorkloadName: target.WorkloadName,
	}
	if labels["alertname"] == "KubernetesContainerOomKiller" {
		payload.Container = target.Container
	}
	return hashJSON(payload)
}

// QueueMsgID selects the message-queue dedupe id for an alert.
//
// Rollout-noisy alertnames that successfully resolved workload identity use
// SHA-256 of "<workload_key>:<hour_bucket>" so one message per workload per
// hour reaches the worker regardless of pod churn. Everything else falls
// back to the 4-hour dedupe key.
func QueueMsgID(labels map[string]string, fingerprint string, family Family, envCluster string, target Target, now time.Time) (string, error) {
	if RolloutNoisy(labels["alertname"]) {
		if wk := RolloutWorkloadKey(labels, family, target); wk != "" {
			hourBucket, err := BucketStart(now, 1)
			if err != nil {
				return "", err
			}
			sum := sha256.Sum256([]byte(wk + ":" + BucketLabel(hourBucket)))
			return hex.EncodeToString(sum[:]), nil
		}
	}
	return DedupKey(labels, fingerprint, family, envCluster, now, DefaultBucketHours)
}

func hashJSON(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		encoded = []byte("{}")
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
