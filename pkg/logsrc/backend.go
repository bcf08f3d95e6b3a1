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

// Package logsrc abstracts the log backend the collectors and the logs.tail
// tool read from. The default backend reads container logs from the
// Kubernetes API; a centralized store can be swapped in behind the same
// interface.
package logsrc

import (
	"context"
	"time"

	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/kube"
)

// DefaultMaxLines caps a single log capture. Roughly 400 lines over the
// window keeps evidence JSON bounded and leaves room for the deterministic
// snippet selection downstream.
const DefaultMaxLines = 400

// Query scopes one log read.
type Query struct {
	Namespace string
	Pod       string
	Container string
	Previous  bool
	MaxLines  int
	Since     time.Time
}

// Backend reads logs for a pod/container scope.
type Backend interface {
	Tail(ctx context.Context, q Query) ([]investigation.LogLine, error)
}

// K8sBackend serves logs from the Kubernetes API.
type K8sBackend struct {
	kube kube.ReadOnlyClient
}

// NewK8sBackend wraps a read-only K8s client as a log backend.
func NewK8sBackend(k kube.ReadOnlyClient) *K8sBackend {
	return &K8sBackend{kube: k}
}

// Tail reads up to q.MaxLines (DefaultMaxLines when unset) from the pod.
func (b *K8sBackend) Tail(ctx context.Context, q Query) ([]investigation.LogLine, error) {
	maxLines := q.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return b.kube.PodLogs(ctx, q.Namespace, q.Pod, q.Container, q.Previous, maxLines, q.Since)
}
