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

// Package investigation defines the single source of truth record built
// during pipeline execution and the versioned analysis snapshot persisted
// per run.
//
// The Investigation is a mutable accumulator: collectors populate sparse
// evidence fields (idempotently -- a populated field is never overwritten),
// diagnostic modules fold evidence into features and hypotheses, and scoring
// renders a verdict. Failures never propagate out of a stage; they append to
// Errors and the pipeline continues.
package investigation

import (
	"time"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/identity"
)

// TimeWindow bounds the evidence-gathering interval for one run.
type TimeWindow struct {
	Window    time.Duration `json:"window"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

// Investigation is the single source of truth for one pipeline run.
type Investigation struct {
	Alert      alert.Alert     `json:"alert"`
	Target     identity.Target `json:"target"`
	Family     identity.Family `json:"family"`
	TimeWindow TimeWindow      `json:"time_window"`
	Evidence   Evidence        `json:"evidence"`
	Analysis   Analysis        `json:"analysis"`

	// Errors collects best-effort failures from collectors and analysis
	// stages. Appended to, never raised.
	Errors []string `json:"errors,omitempty"`

	// Meta carries freeform debug breadcrumbs, e.g. time_window_adjusted,
	// blocked_mode, rca_tool_events.
	Meta map[string]any `json:"meta,omitempty"`
}

// New constructs an Investigation for an alert over a lookback window ending
// at endTime.
func New(a alert.Alert, target identity.Target, family identity.Family, window time.Duration, endTime time.Time) *Investigation {
	return &Investigation{
		Alert:  a,
		Target: target,
		Family: family,
		TimeWindow: TimeWindow{
			Window:    window,
			StartTime: endTime.Add(-window),
			EndTime:   endTime,
		},
		Meta: map[string]any{},
	}
}

// AddError records a best-effort failure without interrupting the pipeline.
func (inv *Investigation) AddError(stage string, err error) {
	if err == nil {
		return
	}
	inv.Errors = append(inv.Errors, stage+": "+err.Error())
}

// SetMeta records a debug breadcrumb.
func (inv *Investigation) SetMeta(key string, value any) {
	if inv.Meta == nil {
		inv.Meta = map[string]any{}
	}
	inv.Meta[key] = value
}

// RetimeWindow replaces the evidence window, recording the adjustment in
// Meta. Used by the job_failed path, which investigates the job's lifetime
// rather than a lookback from now.
func (inv *Investigation) RetimeWindow(start, end time.Time, reason string) {
	inv.TimeWindow = TimeWindow{
		Window:    end.Sub(start),
		StartTime: start,
		EndTime:   end,
	}
	inv.SetMeta("time_window_adjusted", reason)
}
