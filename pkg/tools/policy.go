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

package tools

import "strings"

// Budget caps, hard ceilings regardless of configuration.
const (
	MaxToolCallsCeiling         = 20
	MaxStepsCeiling             = 8
	MaxTimeWindowSecondsCeiling = 86400
	MinLogLines                 = 20
)

// Policy is the per-deployment tool policy: budgets, feature gates, and
// scope allowlists. The zero value denies optional surfaces and grants the
// default budgets.
type Policy struct {
	MaxToolCalls         int `json:"max_tool_calls"`
	MaxSteps             int `json:"max_steps"`
	MaxTimeWindowSeconds int `json:"max_time_window_seconds"`
	MaxLogLines          int `json:"max_log_lines"`

	AWSEnabled     bool `json:"aws_enabled"`
	GitHubEnabled  bool `json:"github_enabled"`
	ArgoCDEnabled  bool `json:"argocd_enabled"`
	MemoryEnabled  bool `json:"memory_enabled"`
	RerunEnabled   bool `json:"rerun_enabled"`
	ActionsEnabled bool `json:"actions_enabled"`

	// RedactInfrastructure additionally scrubs emails, private IPs, and
	// account IDs from tool output.
	RedactInfrastructure bool `json:"redact_infrastructure"`

	// NamespaceAllowlist / ClusterAllowlist bound what case-scoped tools may
	// touch. Empty means unrestricted.
	NamespaceAllowlist []string `json:"namespace_allowlist,omitempty"`
	ClusterAllowlist   []string `json:"cluster_allowlist,omitempty"`
}

// DefaultPolicy returns the standard budgets with optional surfaces off.
func DefaultPolicy() Policy {
	return Policy{
		MaxToolCalls:         10,
		MaxSteps:             4,
		MaxTimeWindowSeconds: 3600,
		MaxLogLines:          200,
	}
}

// Normalize clamps configured budgets to the hard ceilings and floors.
func (p Policy) Normalize() Policy {
	if p.MaxToolCalls <= 0 || p.MaxToolCalls > MaxToolCallsCeiling {
		p.MaxToolCalls = MaxToolCallsCeiling
	}
	if p.MaxSteps <= 0 || p.MaxSteps > MaxStepsCeiling {
		p.MaxSteps = MaxStepsCeiling
	}
	if p.MaxTimeWindowSeconds <= 0 || p.MaxTimeWindowSeconds > MaxTimeWindowSecondsCeiling {
		p.MaxTimeWindowSeconds = MaxTimeWindowSecondsCeiling
	}
	if p.MaxLogLines < MinLogLines {
		p.MaxLogLines = MinLogLines
	}
	return p
}

// NamespaceAllowed reports whether case tools may touch the namespace.
func (p Policy) NamespaceAllowed(namespace string) bool {
	return allowlisted(p.NamespaceAllowlist, namespace)
}

// ClusterAllowed reports whether case tools may touch the cluster.
func (p Policy) ClusterAllowed(cluster string) bool {
	return allowlisted(p.ClusterAllowlist, cluster)
}

func allowlisted(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if strings.EqualFold(entry, value) {
			return true
		}
	}
	return false
}

// toolGate maps a tool id prefix to the policy flag that must be set.
func (p Policy) toolEnabled(toolID string) bool {
	switch {
	case strings.HasPrefix(toolID, "aws."):
		return p.AWSEnabled
	case strings.HasPrefix(toolID, "github."):
		return p.GitHubEnabled
	case strings.HasPrefix(toolID, "argocd."):
		return p.ArgoCDEnabled
	case strings.HasPrefix(toolID, "memory."):
		return p.MemoryEnabled
	case strings.HasPrefix(toolID, "rerun."):
		return p.RerunEnabled
	case strings.HasPrefix(toolID, "actions."):
		return p.ActionsEnabled
	}
	return true
}
