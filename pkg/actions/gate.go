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

// Package actions gates remediation-action lifecycle verbs behind a Rego
// policy. The assistant only ever proposes; approve, reject, and execute are
// human verbs evaluated against the deployment's policy document.
package actions

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/open-policy-agent/opa/rego"
)

// defaultPolicy is used when the deployment ships no policy document.
// Anyone may propose; approving your own proposal is denied; execute is
// limited to reversible action types.
const defaultPolicy = `package tarka.actions

import rego.v1

default allow := false

allow if {
	input.verb == "propose"
}

allow if {
	input.verb in {"approve", "reject"}
	input.user != input.proposed_by
}

allow if {
	input.verb == "execute"
	input.action_type in {"restart_pod", "scale_deployment", "rollback_deployment"}
}

deny contains reason if {
	input.verb in {"approve", "reject"}
	input.user == input.proposed_by
	reason := "cannot decide your own proposal"
}

deny contains reason if {
	input.verb == "execute"
	not input.action_type in {"restart_pod", "scale_deployment", "rollback_deployment"}
	reason := sprintf("action type %q is not executable", [input.action_type])
}
`

// Input describes one lifecycle verb evaluation.
type Input struct {
	Verb       string         `json:"verb"` // propose | approve | reject | execute
	ActionType string         `json:"action_type"`
	User       string         `json:"user"`
	ProposedBy string         `json:"proposed_by,omitempty"`
	Namespace  string         `json:"namespace,omitempty"`
	Cluster    string         `json:"cluster,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Decision is the policy verdict.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Gate evaluates action verbs against a compiled Rego policy.
type Gate struct {
	enabled bool
	query   rego.PreparedEvalQuery
	logger  logr.Logger
}

// NewGate compiles the policy. policySource overrides the built-in default
// when non-empty. A disabled gate denies every verb.
func NewGate(ctx context.Context, policySource string, enabled bool, logger logr.Logger) (*Gate, error) {
	if policySource == "" {
		policySource = defaultPolicy
	}
	query, err := rego.New(
		rego.Query("allow = data.tarka.actions.allow; deny = data.tarka.actions.deny"),
		rego.Module("tarka_actions.rego", policySource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile action policy")
	}
	return &Gate{enabled: enabled, query: query, logger: logger.WithName("actions")}, nil
}

// Enabled reports whether the action subsystem is on.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Evaluate runs one verb through the policy.
func (g *Gate) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if !g.enabled {
		return Decision{Reasons: []string{"actions are disabled"}}, nil
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, errors.Wrap(err, "evaluate action policy")
	}
	if len(results) == 0 {
		return Decision{Reasons: []string{"policy returned no result"}}, nil
	}

	decision := Decision{}
	bindings := results[0].Bindings
	if allowed, ok := bindings["allow"].(bool); ok {
		decision.Allowed = allowed
	}
	if denySet, ok := bindings["deny"].([]any); ok {
		for _, entry := range denySet {
			if reason, ok := entry.(string); ok {
				decision.Reasons = append(decision.Reasons, reason)
			}
		}
	}
	if !decision.Allowed && len(decision.Reasons) == 0 {
		decision.Reasons = []string{"denied by policy"}
	}
	return decision, nil
}
