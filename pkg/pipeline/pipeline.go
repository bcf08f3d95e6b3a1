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

// Package pipeline runs one investigation end to end: family and target
// derivation, collector fan-out, feature extraction, hypothesis aggregation,
// scoring, and report rendering.
//
// Every stage is best-effort. A stage that cannot complete appends to
// Investigation.Errors and the run continues; the pipeline never returns an
// error for degraded evidence, only for programming mistakes upstream.
package pipeline

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// DefaultWindow is the evidence lookback when the caller does not override
// it.
const DefaultWindow = time.Hour

var tracer = otel.Tracer("tarka/pipeline")

// Pipeline executes investigations over a fixed collector registry.
type Pipeline struct {
	deps collectors.Deps
	// clusterName is the CLUSTER_NAME fallback for alerts without a cluster
	// label.
	clusterName string
	registry    []collectors.Collector
	logger      logr.Logger
}

// New constructs a pipeline over the standard collector registry.
func New(deps collectors.Deps, clusterName string, logger logr.Logger) *Pipeline {
	return &Pipeline{
		deps:        deps,
		clusterName: clusterName,
		registry:    collectors.Registry(),
		logger:      logger.WithName("pipeline"),
	}
}

// NewWithRegistry overrides the collector registry. Used by tests.
func NewWithRegistry(deps collectors.Deps, registry []collectors.Collector, logger logr.Logger) *Pipeline {
	return &Pipeline{deps: deps, registry: registry, logger: logger.WithName("pipeline")}
}

// Run executes run_investigation(alert, window): derive family and target,
// gather evidence, fold features, aggregate hypotheses, score, and attach
// the best-effort change/noise/capacity sub-records. The returned
// Investigation is complete even when individual stages failed.
func (p *Pipeline) Run(ctx context.Context, a alert.Alert, window time.Duration) *investigation.Investigation {
	return p.RunAt(ctx, a, window, p.now())
}

// RunAt is Run with an explicit window end. Reruns anchored to the original
// alert time use this to investigate historical evidence.
func (p *Pipeline) RunAt(ctx context.Context, a alert.Alert, window time.Duration, endTime time.Time) *investigation.Investigation {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	if window <= 0 {
		window = DefaultWindow
	}
	now := endTime

	family := identity.DeriveFamily(a.Labels)
	target := p.deriveTarget(ctx, a, family)
	span.SetAttributes(
		attribute.String("alert.name", a.Name()),
		attribute.String("alert.family", string(family)),
		attribute.String("target.name", target.DisplayName()),
	)

	inv := investigation.New(a, target, family, window, now)

	p.collect(ctx, inv)
	inv.Analysis.Features = ExtractFeatures(inv)
	p.diagnose(inv)
	AssessNoise(inv, 0)
	Score(inv)
	CorrelateChange(inv, now)
	BuildCapacityReport(inv)

	p.logger.Info("investigation complete",
		"alert", a.Name(),
		"family", family,
		"target", target.DisplayName(),
		"classification", inv.Analysis.Verdict.Classification,
		"hypotheses", len(inv.Analysis.Hypotheses),
		"errors", len(inv.Errors))
	return inv
}

// deriveTarget resolves the investigation target, refining pod targets with
// the live owner chain when the K8s client is reachable.
func (p *Pipeline) deriveTarget(ctx context.Context, a alert.Alert, family identity.Family) identity.Target {
	var chain []identity.OwnerRef
	if p.deps.Kube != nil && !identity.IdentityExcluded(family) {
		if pod, ns := a.Labels["pod"], a.Labels["namespace"]; pod != "" && ns != "" {
			resolved, err := p.deps.Kube.OwnerChain(ctx, ns, pod)
			if err != nil {
				p.logger.V(1).Info("owner chain lookup failed", "pod", pod, "error", err)
			} else {
				chain = resolved
			}
		}
	}
	target := identity.DeriveTarget(a.Labels, family, p.clusterName, chain)
	if target.Playbook == "" {
		target.Playbook = string(family)
	}
	return target
}

func (p *Pipeline) collect(ctx context.Context, inv *investigation.Investigation) {
	ctx, span := tracer.Start(ctx, "pipeline.collect")
	defer span.End()

	for _, c := range collectors.ForFamily(p.registry, inv) {
		collectors.RunCollector(ctx, c, p.deps, inv)
	}
}

// diagnose aggregates hypotheses from every applicable collector, clamping
// confidences on the way in.
func (p *Pipeline) diagnose(inv *investigation.Investigation) {
	for _, c := range collectors.ForFamily(p.registry, inv) {
		for _, h := range c.Diagnose(inv.Analysis.Features) {
			h.Confidence = investigation.ClampConfidence(h.Confidence)
			inv.Analysis.Hypotheses = append(inv.Analysis.Hypotheses, h)
		}
	}
}

func (p *Pipeline) now() time.Time {
	if p.deps.Now != nil {
		return p.deps.Now()
	}
	return time.Now().UTC()
}
