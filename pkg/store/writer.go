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

// Package store persists investigation runs: Markdown report and analysis
// snapshot to object storage, and the relational index rows (cases, runs,
// actions, chat) to Postgres.
package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/objstore"
)

// RolloutRefreshAge is the freshness gate for rollout-noisy identities: an
// existing report younger than this is kept, an older one is overwritten.
const RolloutRefreshAge = time.Hour

// WriteResult reports what the writer did for one run.
type WriteResult struct {
	Keys            ReportKeys
	WroteMarkdown   bool
	WroteJSON       bool
	SkippedExisting bool
}

// ReportWriter writes the per-run artifacts with HEAD-before-PUT
// idempotency.
type ReportWriter struct {
	store  objstore.Store
	logger logr.Logger
	now    func() time.Time
}

// NewReportWriter wires a writer over an object store.
func NewReportWriter(store objstore.Store, logger logr.Logger) *ReportWriter {
	return &ReportWriter{store: store, logger: logger.WithName("report-writer"), now: time.Now}
}

// WithClock overrides the writer's clock. Test helper.
func (w *ReportWriter) WithClock(now func() time.Time) *ReportWriter {
	w.now = now
	return w
}

// ShouldWrite applies the same HEAD check as Write without writing anything,
// so the worker can skip a whole investigation whose report would be
// discarded anyway.
func (w *ReportWriter) ShouldWrite(ctx context.Context, keys ReportKeys, rolloutRefresh bool) (bool, error) {
	info, err := w.store.Head(ctx, keys.Markdown)
	if err != nil {
		return false, errors.Wrap(err, "head report")
	}
	if info == nil {
		return true, nil
	}
	if rolloutRefresh && w.now().Sub(info.LastModified) >= RolloutRefreshAge {
		return true, nil
	}
	return false, nil
}

// Write persists the Markdown report and the analysis snapshot under the
// run's identity keys.
//
// Idempotency: when the Markdown object already exists the write is skipped
// outright -- unless rolloutRefresh is set, in which case a 1-hour freshness
// gate applies: an object younger than RolloutRefreshAge is kept, an older
// one is overwritten so long-running rollouts keep a current report.
func (w *ReportWriter) Write(ctx context.Context, keys ReportKeys, markdown string, snapshot []byte, rolloutRefresh bool) (WriteResult, error) {
	result := WriteResult{Keys: keys}

	info, err := w.store.Head(ctx, keys.Markdown)
	if err != nil {
		return result, errors.Wrap(err, "head report")
	}
	if info != nil {
		age := w.now().Sub(info.LastModified)
		if !rolloutRefresh || age < RolloutRefreshAge {
			w.logger.V(1).Info("report exists, skipping write",
				"key", keys.Markdown, "age", age, "rollout_refresh", rolloutRefresh)
			result.SkippedExisting = true
			return result, nil
		}
		w.logger.Info("refreshing stale rollout report", "key", keys.Markdown, "age", age)
	}

	if err := w.store.Put(ctx, keys.Markdown, "text/markdown", []byte(markdown)); err != nil {
		return result, errors.Wrap(err, "put report")
	}
	result.WroteMarkdown = true

	if err := w.store.Put(ctx, keys.JSON, "application/json", snapshot); err != nil {
		return result, errors.Wrap(err, "put snapshot")
	}
	result.WroteJSON = true
	return result, nil
}
