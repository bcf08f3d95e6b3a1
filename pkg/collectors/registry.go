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

// Package collectors implements family-keyed, idempotent, best-effort
// evidence gathering for investigations.
//
// Each collector is a static registry entry satisfying the
// applies/collect/diagnose contract. Collect mutates the investigation's
// sparse evidence record, skipping fields that are already populated, and
// appends failures to Investigation.Errors instead of returning them. No
// collector panics the pipeline; a panic inside Collect is recovered and
// recorded as an error.
package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/kube"
	"github.com/tarka-ai/tarka/pkg/logsrc"
	"github.com/tarka-ai/tarka/pkg/promql"
)

// AWSProbe is the optional cloud-side validation surface. Nil when
// AWS_EVIDENCE_ENABLED is off.
type AWSProbe interface {
	S3BucketCheck(ctx context.Context, bucket string) *investigation.S3BucketCheck
	ECRImageProbe(ctx context.Context, account, region, repository, tag string) string
	RolePolicies(ctx context.Context, roleARN string) (policies []string, trustValidated bool, err error)
}

// Deps carries the provider clients collectors read through. Any field may
// be nil; collectors record a missing dependency as an investigation error
// and move on.
type Deps struct {
	Kube   kube.ReadOnlyClient
	Prom   promql.Client
	Logs   logsrc.Backend
	AWS    AWSProbe
	Logger logr.Logger
	Now    func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Collector is one registry entry.
type Collector interface {
	// Name identifies the collector in error breadcrumbs.
	Name() string
	// Applies reports whether this collector handles the investigation.
	Applies(inv *investigation.Investigation) bool
	// Collect populates evidence. Best-effort: errors go to inv.Errors.
	Collect(ctx context.Context, deps Deps, inv *investigation.Investigation)
	// Diagnose proposes hypotheses from features only. Called after the
	// feature fold; collectors must not reach back into raw evidence here.
	Diagnose(features investigation.Features) []investigation.Hypothesis
}

// Registry is the static collector set, one entry per family plus the
// generic fallback. Order is the execution order.
func Registry() []Collector {
	return []Collector{
		&CrashloopCollector{},
		&CPUThrottlingCollector{},
		&OOMKilledCollector{},
		&MemoryPressureCollector{},
		&HTTP5xxCollector{},
		&PodNotHealthyCollector{},
		&JobFailedCollector{},
		&GenericCollector{},
	}
}

// ForFamily selects the applicable collectors for an investigation.
func ForFamily(registry []Collector, inv *investigation.Investigation) []Collector {
	var selected []Collector
	for _, c := range registry {
		if c.Applies(inv) {
			selected = append(selected, c)
		}
	}
	return selected
}

// RunCollector executes one collector with panic isolation.
func RunCollector(ctx context.Context, c Collector, deps Deps, inv *investigation.Investigation) {
	defer func() {
		if r := recover(); r != nil {
			inv.Errors = append(inv.Errors, fmt.Sprintf("%s: panic recovered: %v", c.Name(), r))
		}
	}()
	c.Collect(ctx, deps, inv)
}

func familyCollectorApplies(inv *investigation.Investigation, f identity.Family) bool {
	return inv.Family == f
}
