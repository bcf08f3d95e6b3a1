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

// Package alert defines the normalized alert model and the Alertmanager
// webhook payload it is derived from.
//
// Normalization is the first step of every ingest path: the webhook receiver,
// the job worker, and investigation reruns all funnel raw Alertmanager alerts
// through Normalize before anything downstream sees them.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a normalized alert.
type State string

const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
	StateUnknown  State = "unknown"
)

// Payload is the Alertmanager webhook body: a batched notification with a
// top-level status and a list of alert objects.
//
// Supported webhook format: Alertmanager v4 (current stable).
type Payload struct {
	Version           string            `json:"version,omitempty"`
	GroupKey          string            `json:"groupKey,omitempty"`
	TruncatedAlerts   int               `json:"truncatedAlerts,omitempty"`
	Status            string            `json:"status,omitempty"`
	Receiver          string            `json:"receiver,omitempty"`
	GroupLabels       map[string]string `json:"groupLabels,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
	Alerts            []RawAlert        `json:"alerts"`
}

// RawAlert is a single alert object as Alertmanager delivers it.
type RawAlert struct {
	Status       string            `json:"status,omitempty"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt,omitempty"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Alert is the normalized form consumed by the identity algebra, the
// investigation pipeline, and the report store.
type Alert struct {
	Fingerprint  string            `json:"fingerprint"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"starts_at,omitempty"`
	EndsAt       time.Time         `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
	State        State             `json:"state"`
}

// Name returns the alertname label, or empty when absent.
func (a Alert) Name() string {
	return a.Labels["alertname"]
}

// Firing reports whether the alert is in the firing state.
func (a Alert) Firing() bool {
	return a.State == StateFiring
}

// Normalize converts a raw Alertmanager alert into the canonical Alert form.
//
// Status derivation follows the Alertmanager placeholder convention: an
// endsAt of 0001-01-01T00:00:00Z means "still firing". Precedence:
//
//  1. endsAt present and not the placeholder -> resolved
//  2. startsAt present -> firing
//  3. parent payload status ("firing"/"resolved") -> that state
//  4. otherwise -> unknown
//
// When Alertmanager did not supply a fingerprint, a deterministic one is
// computed as SHA-256 over the canonical JSON of the label set, so repeated
// deliveries of the same label set always share an identity.
func Normalize(raw RawAlert, parentStatus string) Alert {
	labels := raw.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	fingerprint := raw.Fingerprint
	if fingerprint == "" {
		fingerprint = FingerprintLabels(labels)
	}

	return Alert{
		Fingerprint:  fingerprint,
		Labels:       labels,
		Annotations:  raw.Annotations,
		StartsAt:     raw.StartsAt,
		EndsAt:       raw.EndsAt,
		GeneratorURL: raw.GeneratorURL,
		State:        deriveState(raw, parentStatus),
	}
}

func deriveState(raw RawAlert, parentStatus string) State {
	if !raw.EndsAt.IsZero() {
		return StateResolved
	}
	if !raw.StartsAt.IsZero() {
		return StateFiring
	}
	switch parentStatus {
	case "firing":
		return StateFiring
	case "resolved":
		return StateResolved
	}
	switch raw.Status {
	case "firing":
		return StateFiring
	case "resolved":
		return StateResolved
	}
	return StateUnknown
}

// FingerprintLabels computes the fallback fingerprint: SHA-256 of the
// canonical JSON encoding of the label set. encoding/json sorts map keys, so
// the encoding is canonical without extra machinery.
func FingerprintLabels(labels map[string]string) string {
	encoded, err := json.Marshal(labels)
	if err != nil {
		// A map[string]string cannot fail to marshal; keep the signature
		// infallible for callers.
		encoded = []byte("{}")
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
