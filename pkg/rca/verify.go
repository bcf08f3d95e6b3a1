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

package rca

import (
	"strings"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// verificationRule states which tool successes are needed before a
// high-confidence hypothesis may stop gathering evidence.
//
// A pair rule needs every listed tool to have succeeded; one success suffices
// once the top confidence reaches singleCallAt (0 disables the shortcut). An
// anyOf rule is satisfied by any single listed tool.
type verificationRule struct {
	name         string
	tools        []string
	anyOf        bool
	singleCallAt int
}

var verificationRules = []verificationRule{
	{
		name:         "s3",
		tools:        []string{"aws.s3_bucket_location", "aws.iam_role_permissions"},
		singleCallAt: 95,
	},
	{
		name:         "db",
		tools:        []string{"aws.rds", "promql.instant"},
		singleCallAt: 95,
	},
	{
		name:         "image",
		tools:        []string{"aws.ecr", "k8s.pod_context"},
		singleCallAt: 95,
	},
	{
		name:  "network",
		tools: []string{"aws.elb", "aws.security_group", "aws.nat_gateway", "aws.vpc_endpoint", "promql.instant"},
		anyOf: true,
	},
	{
		name:  "pod",
		tools: []string{"k8s.pod_context", "k8s.events", "logs.tail"},
		anyOf: true,
	},
}

// hypothesisKeywords classifies a hypothesis into a verification rule by
// inspecting its id and title.
var hypothesisKeywords = map[string][]string{
	"s3":      {"s3", "bucket"},
	"db":      {"db", "database", "rds", "postgres", "mysql", "connection pool"},
	"image":   {"image", "pull", "ecr", "registry"},
	"network": {"network", "dns", "load balancer", "elb", "nat", "endpoint", "timeout"},
	"pod":     {"pod", "crash", "oom", "probe", "restart", "container"},
}

// ruleFor maps the leading hypothesis onto its verification rule, or nil when
// no rule applies.
func ruleFor(h *investigation.Hypothesis) *verificationRule {
	if h == nil {
		return nil
	}
	haystack := strings.ToLower(h.HypothesisID + " " + h.Title)
	for i := range verificationRules {
		rule := &verificationRules[i]
		for _, kw := range hypothesisKeywords[rule.name] {
			if strings.Contains(haystack, kw) {
				return rule
			}
		}
	}
	return nil
}

// satisfied reports whether the succeeded tool set meets the rule at the
// given top confidence.
func (r *verificationRule) satisfied(succeeded map[string]bool, topConfidence int) bool {
	if r.anyOf {
		for _, tool := range r.tools {
			if succeeded[tool] {
				return true
			}
		}
		return false
	}
	hits := 0
	for _, tool := range r.tools {
		if succeeded[tool] {
			hits++
		}
	}
	if hits == len(r.tools) {
		return true
	}
	return r.singleCallAt > 0 && topConfidence >= r.singleCallAt && hits >= 1
}

// topHypothesis returns the highest-confidence hypothesis, or nil.
func topHypothesis(a investigation.Analysis) *investigation.Hypothesis {
	var top *investigation.Hypothesis
	for i := range a.Hypotheses {
		if top == nil || a.Hypotheses[i].Confidence > top.Confidence {
			top = &a.Hypotheses[i]
		}
	}
	return top
}
