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

// Package worker consumes queued alert jobs and runs each through the
// investigation pipeline, the report writer, and the case index.
//
// Every step is try/continue: a bad alert, a down Postgres, or an RCA
// failure degrades that one run, never the worker. Workers retry nothing;
// the queue acks regardless of handler outcome.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/notify"
	"github.com/tarka-ai/tarka/pkg/pipeline"
	"github.com/tarka-ai/tarka/pkg/queue"
	"github.com/tarka-ai/tarka/pkg/store"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tarka_worker_jobs_total",
		Help: "Queue jobs handled, by outcome.",
	}, []string{"outcome"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tarka_worker_job_duration_seconds",
		Help:    "Wall time of one investigation job.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// RCARunner deepens a finished investigation with a root-cause pass. The
// runner mutates the Investigation in place (summary, confidence, and
// meta.rca_tool_events).
type RCARunner interface {
	Investigate(ctx context.Context, inv *investigation.Investigation) error
}

// Worker drains the alert queue with a pool of sequential consumers.
type Worker struct {
	queue       queue.Queue
	pipeline    *pipeline.Pipeline
	writer      *store.ReportWriter
	index       *store.Index    // nil when Postgres is not configured
	rca         RCARunner       // nil when RCA is disabled
	notifier    notify.Notifier // nil when Slack is not configured
	clusterName string
	consumers   int
	snippetCap  int
	logger      logr.Logger
}

// Config carries the worker's collaborators. Index and RCA are optional.
type Config struct {
	Queue       queue.Queue
	Pipeline    *pipeline.Pipeline
	Writer      *store.ReportWriter
	Index       *store.Index
	RCA         RCARunner
	Notifier    notify.Notifier
	ClusterName string
	Consumers   int
	SnippetCap  int
}

// New wires a worker pool.
func New(cfg Config, logger logr.Logger) *Worker {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 2
	}
	if cfg.SnippetCap <= 0 {
		cfg.SnippetCap = pipeline.DefaultSnippetCap
	}
	return &Worker{
		queue:       cfg.Queue,
		pipeline:    cfg.Pipeline,
		writer:      cfg.Writer,
		index:       cfg.Index,
		rca:         cfg.RCA,
		notifier:    cfg.Notifier,
		clusterName: cfg.ClusterName,
		consumers:   cfg.Consumers,
		snippetCap:  cfg.SnippetCap,
		logger:      logger.WithName("worker"),
	}
}

// Run blocks, consuming until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.consumers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return w.queue.Consume(ctx, name, w.Handle)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one queue message end to end. A panic in any stage is
// recovered and logged; the message is still acked by the queue layer.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) (err error) {
	started := time.Now()
	defer func() {
		jobDuration.Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			jobsProcessed.WithLabelValues("panic").Inc()
			err = errors.Errorf("investigation panicked: %v", r)
		}
	}()

	job, err := alert.DecodeJob(msg.Body)
	if err != nil {
		jobsProcessed.WithLabelValues("decode_error").Inc()
		return errors.Wrap(err, "decode job")
	}

	a := alert.Normalize(job.Raw, job.ParentStatus)
	family := identity.DeriveFamily(a.Labels)
	target := identity.DeriveTarget(a.Labels, family, w.clusterName, nil)

	relKey, rolloutRefresh := relIdentity(a, family, w.clusterName, target)
	keys := store.KeysFor(a.Name(), relKey)

	proceed, err := w.writer.ShouldWrite(ctx, keys, rolloutRefresh)
	if err != nil {
		// Storage degraded: investigate anyway so the run is not lost, and
		// let the final write retry the HEAD.
		w.logger.Error(err, "pre-flight head failed", "key", keys.Markdown)
	} else if !proceed {
		jobsProcessed.WithLabelValues("skipped_existing").Inc()
		w.logger.V(1).Info("report exists, skipping investigation", "key", keys.Markdown)
		return nil
	}

	window := time.Duration(job.TimeWindowSeconds) * time.Second
	inv := w.pipeline.Run(ctx, a, window)

	if w.rca != nil {
		if rcaErr := w.rca.Investigate(ctx, inv); rcaErr != nil {
			inv.AddError("rca", rcaErr)
			w.logger.Error(rcaErr, "rca pass failed", "alert", a.Name())
		}
	}

	markdown := pipeline.RenderReport(inv, w.snippetCap)
	snapshot, err := inv.MarshalSnapshot()
	if err != nil {
		jobsProcessed.WithLabelValues("snapshot_error").Inc()
		return errors.Wrap(err, "marshal snapshot")
	}

	result, err := w.writer.Write(ctx, keys, markdown, snapshot, rolloutRefresh)
	if err != nil {
		jobsProcessed.WithLabelValues("write_error").Inc()
		return errors.Wrap(err, "write report")
	}
	if result.SkippedExisting {
		jobsProcessed.WithLabelValues("skipped_existing").Inc()
		return nil
	}

	// The case index is updated only after a successful artifact write.
	if w.index != nil {
		if idxErr := w.indexRun(ctx, inv, keys, snapshot); idxErr != nil {
			w.logger.Error(idxErr, "incidentize failed", "alert", a.Name())
		}
	}

	jobsProcessed.WithLabelValues("completed").Inc()
	w.logger.Info("investigation stored",
		"alert", a.Name(),
		"family", inv.Family,
		"target", inv.Target.DisplayName(),
		"classification", inv.Analysis.Verdict.Classification,
		"report_key", keys.Markdown)
	return nil
}

func (w *Worker) indexRun(ctx context.Context, inv *investigation.Investigation, keys store.ReportKeys, snapshot []byte) error {
	run := store.Run{
		Fingerprint:    inv.Alert.Fingerprint,
		Alertname:      inv.Alert.Name(),
		Family:         string(inv.Family),
		Classification: string(inv.Analysis.Verdict.Classification),
		OneLiner:       inv.Analysis.Verdict.OneLiner,
		Snapshot:       snapshot,
		S3ReportKey:    keys.Markdown,
		S3EvidenceKey:  keys.JSON,
	}
	if driver := inv.Analysis.Verdict.PrimaryDriver; driver != "" {
		run.PrimaryDriver.String = driver
		run.PrimaryDriver.Valid = true
	}
	run.Cluster = nullStr(inv.Target.Cluster)
	run.Namespace = nullStr(inv.Target.Namespace)
	run.WorkloadKind = nullStr(inv.Target.WorkloadKind)
	run.WorkloadName = nullStr(inv.Target.WorkloadName)
	run.Service = nullStr(inv.Target.Service)
	run.Pod = nullStr(inv.Target.Pod)

	result, err := w.index.IncidentizeRun(ctx, inv.Target, inv.Family, run)
	if err != nil {
		return err
	}
	w.logger.V(1).Info("run indexed",
		"run_id", result.RunID,
		"case_id", result.CaseID,
		"case_match_reason", result.CaseMatchReason)

	// A brand-new case is the one worth pinging the channel about;
	// repeat runs on an open case stay quiet.
	if w.notifier != nil && result.CreatedCase {
		if notifyErr := w.notifier.RunCompleted(ctx, result.CaseID, inv); notifyErr != nil {
			w.logger.Error(notifyErr, "slack notification failed", "case_id", result.CaseID)
		}
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// relIdentity selects the object-store identity for a run.
//
// Rollout-noisy alerts with workload identity use the hour-independent
// workload key, so successive rollouts of one workload share an object and
// the freshness gate decides refresh. Everything else uses the 4h dedupe
// key; when rollout identity derivation fails the dedupe key is the
// fallback there too.
func relIdentity(a alert.Alert, family identity.Family, clusterName string, target identity.Target) (string, bool) {
	if identity.RolloutNoisy(a.Name()) {
		if wk := identity.RolloutWorkloadKey(a.Labels, family, target); wk != "" {
			return wk, true
		}
	}
	key, err := identity.DedupKey(a.Labels, a.Fingerprint, family, clusterName, time.Now().UTC(), identity.DefaultBucketHours)
	if err != nil {
		// Unreachable with a positive bucket size; fall back to the
		// fingerprint so the run still lands somewhere deterministic.
		return a.Fingerprint, false
	}
	return key, false
}
