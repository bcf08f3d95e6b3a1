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

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/promql"
)

// http5xxSeriesCandidates are common 5xx counter names, tried in order.
// Instrumentation differs per stack; the first candidate that returns
// nonempty data wins and its name is recorded in the evidence.
var http5xxSeriesCandidates = []string{
	"http_requests_total",
	"http_server_requests_seconds_count",
	"nginx_ingress_controller_requests",
	"istio_requests_total",
	"traefik_service_requests_total",
}

// HTTP5xxCollector attaches a best-effort 5xx rate series on top of the
// applicable baseline.
type HTTP5xxCollector struct{}

func (c *HTTP5xxCollector) Name() string { return "http_5xx" }

func (c *HTTP5xxCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyHTTP5xx)
}

func (c *HTTP5xxCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	if inv.Target.Pod != "" {
		CollectPodBaseline(ctx, deps, inv)
	} else {
		CollectNonPodBaseline(ctx, deps, inv)
	}

	if deps.Prom == nil {
		return
	}
	if inv.Evidence.Metrics == nil {
		inv.Evidence.Metrics = &investigation.MetricsEvidence{}
	}
	m := inv.Evidence.Metrics
	if m.HTTP5xxRate != nil {
		return
	}

	scope := scopeSelector(inv.Target)
	if scope == "" {
		return
	}

	for _, series := range http5xxSeriesCandidates {
		query := fmt.Sprintf(`sum(rate(%s{%s,status=~"5.."}[5m]))`, series, scope)
		matrix, err := deps.Prom.Range(ctx, query, inv.TimeWindow.StartTime, inv.TimeWindow.EndTime, metricsStep)
		if err != nil {
			inv.AddError("http_5xx", err)
			continue
		}
		samples := promql.SamplesFromMatrix(matrix)
		if len(samples) > 0 {
			m.HTTP5xxRate = samples
			m.HTTP5xxSeries = series
			return
		}
	}
}

func scopeSelector(t identity.Target) string {
	switch {
	case t.Service != "":
		return fmt.Sprintf(`namespace=%q,service=%q`, t.Namespace, t.Service)
	case t.Pod != "":
		return fmt.Sprintf(`namespace=%q,pod=%q`, t.Namespace, t.Pod)
	case t.Job != "":
		return fmt.Sprintf(`job=%q`, t.Job)
	}
	return ""
}

func (c *HTTP5xxCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	if f.HTTP5xxRateP95 <= 0 {
		return nil
	}
	h := investigation.Hypothesis{
		HypothesisID:   "http_5xx_backend_errors",
		Title:          "Backend is returning server errors under current traffic",
		Confidence:     investigation.ClampConfidence(65),
		Why:            []string{fmt.Sprintf("p95 5xx rate is %.2f req/s", f.HTTP5xxRateP95)},
		SupportingRefs: []string{"features.http_5xx_rate_p95"},
		NextTests: []string{
			"break the 5xx rate down by status code and route",
			"check recent deploys and upstream dependency health",
		},
	}
	if f.LogsStatus == "errors_found" || f.LogsStatus == "fatal_found" {
		h.Confidence = investigation.ClampConfidence(80)
		h.Why = append(h.Why, "application logs contain matching error patterns")
		h.SupportingRefs = append(h.SupportingRefs, "features.logs_status")
	}
	return []investigation.Hypothesis{h}
}
