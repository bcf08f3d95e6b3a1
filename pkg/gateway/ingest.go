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

package gateway

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/queue"
)

// IngestCounts is the structured 202 body of POST /alerts.
type IngestCounts struct {
	OK               bool   `json:"ok"`
	Mode             string `json:"mode"`
	Received         int    `json:"received"`
	Enqueued         int    `json:"enqueued"`
	SkippedResolved  int    `json:"skipped_resolved"`
	SkippedAllowlist int    `json:"skipped_allowlist"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Errors           int    `json:"errors"`
}

// Ingestor turns webhook payloads into queue messages. Alerts within one
// payload are processed sequentially; the queue publish is the only blocking
// I/O on the hot path.
type Ingestor struct {
	queue       queue.Queue
	clusterName string
	// allowlist restricts ingestion to the named alertnames; empty admits
	// everything.
	allowlist  map[string]bool
	timeWindow time.Duration
	logger     logr.Logger
	now        func() time.Time
}

// NewIngestor wires an ingestor.
func NewIngestor(q queue.Queue, clusterName string, allowlist []string, timeWindow time.Duration, logger logr.Logger) *Ingestor {
	allow := map[string]bool{}
	for _, name := range allowlist {
		if name != "" {
			allow[name] = true
		}
	}
	return &Ingestor{
		queue:       q,
		clusterName: clusterName,
		allowlist:   allow,
		timeWindow:  timeWindow,
		logger:      logger.WithName("ingest"),
		now:         time.Now,
	}
}

// WithClock overrides the ingestor's clock. Test helper.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// Ingest processes one webhook payload. Per alert: normalize, drop
// non-firing, apply the allowlist, compute the queue msg-id, dedupe within
// the payload, and publish. Queue-level dedupe is authoritative; both the
// in-payload guard and the queue's SETNX guard count as skipped_duplicate.
func (in *Ingestor) Ingest(ctx context.Context, payload alert.Payload) IngestCounts {
	counts := IngestCounts{OK: true, Mode: "enqueue", Received: len(payload.Alerts)}
	seen := map[string]bool{}
	now := in.now()

	for _, raw := range payload.Alerts {
		a := alert.Normalize(raw, payload.Status)

		if !a.Firing() {
			counts.SkippedResolved++
			continue
		}
		if len(in.allowlist) > 0 && !in.allowlist[a.Name()] {
			counts.SkippedAllowlist++
			continue
		}

		family := identity.DeriveFamily(a.Labels)
		target := identity.DeriveTarget(a.Labels, family, in.clusterName, nil)
		msgID, err := identity.QueueMsgID(a.Labels, a.Fingerprint, family, in.clusterName, target, now)
		if err != nil {
			in.logger.Error(err, "msg-id derivation failed", "alert", a.Name())
			counts.Errors++
			continue
		}

		if seen[msgID] {
			counts.SkippedDuplicate++
			continue
		}
		seen[msgID] = true

		body, err := alert.Job{
			Raw:               raw,
			ParentStatus:      payload.Status,
			TimeWindowSeconds: int64(in.timeWindow.Seconds()),
		}.Encode()
		if err != nil {
			counts.Errors++
			continue
		}

		enqueued, err := in.queue.Publish(ctx, msgID, body)
		switch {
		case err != nil:
			in.logger.Error(err, "publish failed", "alert", a.Name(), "msg_id", msgID)
			counts.Errors++
		case !enqueued:
			counts.SkippedDuplicate++
		default:
			counts.Enqueued++
		}
	}

	in.logger.Info("payload ingested",
		"received", counts.Received, "enqueued", counts.Enqueued,
		"skipped_resolved", counts.SkippedResolved,
		"skipped_allowlist", counts.SkippedAllowlist,
		"skipped_duplicate", counts.SkippedDuplicate,
		"errors", counts.Errors)
	return counts
}
