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

// Package kube wraps the Kubernetes API behind a read-only interface sized
// to what collectors and tools actually consume. Nothing in this package
// mutates cluster state.
package kube

import (
	"bufio"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// ReadOnlyClient is the surface collectors and the tool executor depend on.
type ReadOnlyClient interface {
	PodContext(ctx context.Context, namespace, pod string) (*investigation.PodInfo, []investigation.PodCondition, error)
	Events(ctx context.Context, namespace, objectName string) ([]investigation.Event, error)
	OwnerChain(ctx context.Context, namespace, pod string) ([]identity.OwnerRef, error)
	RolloutStatus(ctx context.Context, namespace, kind, name string) (*investigation.RolloutStatus, error)
	PodLogs(ctx context.Context, namespace, pod, container string, previous bool, maxLines int, since time.Time) ([]investigation.LogLine, error)
	Job(ctx context.Context, namespace, name string) (*investigation.JobStatus, error)
	PodsBySelector(ctx context.Context, namespace, selector string) ([]string, error)
	ServiceAccount(ctx context.Context, namespace, name string) (irsaRoleARN string, pullSecrets []string, err error)
	PodUsage(ctx context.Context, namespace, pod string) (cpuMilli, memBytes float64, err error)
}

// IRSAAnnotation is the EKS annotation binding a ServiceAccount to an IAM
// role.
const IRSAAnnotation = "eks.amazonaws.com/role-arn"

// Client is the production ReadOnlyClient backed by client-go, the
// controller-runtime client (workload reads), and metrics.k8s.io.
type Client struct {
	clientset kubernetes.Interface
	cr        crclient.Client
	metrics   metricsclient.Interface
	logger    logr.Logger
}

var (
	processClient *Client
	processOnce   sync.Once
	processErr    error
)

// Shared returns the per-process cached client, initializing it lazily on
// first use. Thread-safe.
func Shared(logger logr.Logger) (*Client, error) {
	processOnce.Do(func() {
		processClient, processErr = New(logger)
	})
	return processClient, processErr
}

// New builds a client from in-cluster config, falling back to the local
// kubeconfig.
func New(logger logr.Logger) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), nil).ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, "load kubeconfig")
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build clientset")
	}
	cr, err := crclient.New(cfg, crclient.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "build controller-runtime client")
	}
	mc, err := metricsclient.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build metrics client")
	}
	return &Client{clientset: clientset, cr: cr, metrics: mc, logger: logger.WithName("kube")}, nil
}

// NewFromInterfaces wires a client from pre-built interfaces. Used by tests
// with client-go fakes.
func NewFromInterfaces(clientset kubernetes.Interface, cr crclient.Client, metrics metricsclient.Interface, logger logr.Logger) *Client {
	return &Client{clientset: clientset, cr: cr, metrics: metrics, logger: logger.WithName("kube")}
}

// PodContext fetches the pod and flattens the fields the pipeline reasons
// about.
func (c *Client) PodContext(ctx context.Context, namespace, pod string) (*investigation.PodInfo, []investigation.PodCondition, error) {
	p, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "get pod")
	}

	info := &investigation.PodInfo{
		Name:           p.Name,
		Namespace:      p.Namespace,
		Phase:          string(p.Status.Phase),
		NodeName:       p.Spec.NodeName,
		ServiceAccount: p.Spec.ServiceAccountName,
		Labels:         p.Labels,
		Annotations:    p.Annotations,
	}
	if p.Status.StartTime != nil {
		info.StartTime = ptr.To(p.Status.StartTime.Time)
	}

	for _, cs := range p.Status.ContainerStatuses {
		status := investigation.ContainerStatus{
			Name:         cs.Name,
			Image:        cs.Image,
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
		}
		if cs.State.Waiting != nil {
			status.WaitingReason = cs.State.Waiting.Reason
			status.WaitingMessage = cs.State.Waiting.Message
		}
		if term := cs.LastTerminationState.Terminated; term != nil {
			status.LastExitCode = ptr.To(term.ExitCode)
			status.LastFinishedAt = ptr.To(term.FinishedAt.Time)
			status.LastStartedAt = ptr.To(term.StartedAt.Time)
			status.OOMKilled = term.Reason == "OOMKilled"
		}
		info.ContainerStatuses = append(info.ContainerStatuses, status)
	}

	var conditions []investigation.PodCondition
	for _, cond := range p.Status.Conditions {
		conditions = append(conditions, investigation.PodCondition{
			Type:    string(cond.Type),
			Status:  string(cond.Status),
			Reason:  cond.Reason,
			Message: cond.Message,
		})
	}
	return info, conditions, nil
}

// Events lists events whose involved object name matches objectName, newest
// last.
func (c *Client) Events(ctx context.Context, namespace, objectName string) ([]investigation.Event, error) {
	list, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.name=" + objectName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}

	events := make([]investigation.Event, 0, len(list.Items))
	for _, e := range list.Items {
		events = append(events, investigation.Event{
			Type:      e.Type,
			Reason:    e.Reason,
			Message:   e.Message,
			Count:     e.Count,
			Object:    e.InvolvedObject.Kind + "/" + e.InvolvedObject.Name,
			FirstSeen: e.FirstTimestamp.Time,
			LastSeen:  e.LastTimestamp.Time,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].LastSeen.Before(events[j].LastSeen) })
	return events, nil
}

// OwnerChain resolves the pod's ownership chain, collapsing ReplicaSets to
// their Deployment. Innermost owner first.
func (c *Client) OwnerChain(ctx context.Context, namespace, pod string) ([]identity.OwnerRef, error) {
	p, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "get pod")
	}

	var chain []identity.OwnerRef
	for _, owner := range p.OwnerReferences {
		chain = append(chain, identity.OwnerRef{Kind: owner.Kind, Name: owner.Name})
		if owner.Kind == "ReplicaSet" {
			rs := &appsv1.ReplicaSet{}
			if err := c.cr.Get(ctx, crclient.ObjectKey{Namespace: namespace, Name: owner.Name}, rs); err == nil {
				for _, rsOwner := range rs.OwnerReferences {
					chain = append(chain, identity.OwnerRef{Kind: rsOwner.Kind, Name: rsOwner.Name})
				}
			}
		}
	}
	return chain, nil
}

// RolloutStatus summarizes a workload's rollout health via the
// controller-runtime client.
func (c *Client) RolloutStatus(ctx context.Context, namespace, kind, name string) (*investigation.RolloutStatus, error) {
	key := crclient.ObjectKey{Namespace: namespace, Name: name}
	switch kind {
	case "Deployment", "":
		d := &appsv1.Deployment{}
		if err := c.cr.Get(ctx, key, d); err != nil {
			return nil, errors.Wrap(err, "get deployment")
		}
		status := &investigation.RolloutStatus{
			Kind:              "Deployment",
			Name:              d.Name,
			DesiredReplicas:   ptr.Deref(d.Spec.Replicas, 1),
			ReadyReplicas:     d.Status.ReadyReplicas,
			UpdatedReplicas:   d.Status.UpdatedReplicas,
			AvailableReplicas: d.Status.AvailableReplicas,
		}
		if len(d.Spec.Template.Spec.Containers) > 0 {
			status.Image = d.Spec.Template.Spec.Containers[0].Image
		}
		for _, cond := range d.Status.Conditions {
			if cond.Type == appsv1.DeploymentProgressing {
				status.Progressing = cond.Status == corev1.ConditionTrue
				status.Message = cond.Message
			}
		}
		return status, nil
	case "StatefulSet":
		s := &appsv1.StatefulSet{}
		if err := c.cr.Get(ctx, key, s); err != nil {
			return nil, errors.Wrap(err, "get statefulset")
		}
		status := &investigation.RolloutStatus{
			Kind:              "StatefulSet",
			Name:              s.Name,
			DesiredReplicas:   ptr.Deref(s.Spec.Replicas, 1),
			ReadyReplicas:     s.Status.ReadyReplicas,
			UpdatedReplicas:   s.Status.UpdatedReplicas,
			AvailableReplicas: s.Status.AvailableReplicas,
		}
		if len(s.Spec.Template.Spec.Containers) > 0 {
			status.Image = s.Spec.Template.Spec.Containers[0].Image
		}
		return status, nil
	case "DaemonSet":
		d := &appsv1.DaemonSet{}
		if err := c.cr.Get(ctx, key, d); err != nil {
			return nil, errors.Wrap(err, "get daemonset")
		}
		return &investigation.RolloutStatus{
			Kind:              "DaemonSet",
			Name:              d.Name,
			DesiredReplicas:   d.Status.DesiredNumberScheduled,
			ReadyReplicas:     d.Status.NumberReady,
			UpdatedReplicas:   d.Status.UpdatedNumberScheduled,
			AvailableReplicas: d.Status.NumberAvailable,
		}, nil
	}
	return nil, errors.Errorf("unsupported workload kind %q", kind)
}

// PodLogs tails up to maxLines of container logs. previous=true reads the
// prior container instance (crashloop forensics).
func (c *Client) PodLogs(ctx context.Context, namespace, pod, container string, previous bool, maxLines int, since time.Time) ([]investigation.LogLine, error) {
	opts := &corev1.PodLogOptions{
		Container:  container,
		Previous:   previous,
		TailLines:  ptr.To(int64(maxLines)),
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.SinceTime = &metav1.Time{Time: since}
	}

	stream, err := c.clientset.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "stream logs")
	}
	defer func() { _ = stream.Close() }()

	var lines []investigation.LogLine
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		line := investigation.LogLine{Index: len(lines), Text: text}
		// client-go prepends an RFC3339Nano timestamp when Timestamps=true.
		if idx := strings.IndexByte(text, ' '); idx > 0 {
			if ts, err := time.Parse(time.RFC3339Nano, text[:idx]); err == nil {
				line.Timestamp = ts
				line.Text = text[idx+1:]
			}
		}
		lines = append(lines, line)
		if len(lines) >= maxLines {
			break
		}
	}
	return lines, scanner.Err()
}

// Job fetches a batch Job and summarizes its status.
func (c *Client) Job(ctx context.Context, namespace, name string) (*investigation.JobStatus, error) {
	j, err := c.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	status := &investigation.JobStatus{
		Name:         j.Name,
		Namespace:    j.Namespace,
		Active:       j.Status.Active,
		Succeeded:    j.Status.Succeeded,
		Failed:       j.Status.Failed,
		BackoffLimit: j.Spec.BackoffLimit,
	}
	if j.Status.StartTime != nil {
		status.StartTime = ptr.To(j.Status.StartTime.Time)
	}
	if j.Status.CompletionTime != nil {
		status.CompletionTime = ptr.To(j.Status.CompletionTime.Time)
	}
	for _, cond := range j.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			status.FailureReason = cond.Reason
		}
	}
	return status, nil
}

// PodsBySelector lists pod names matching a label selector.
func (c *Client) PodsBySelector(ctx context.Context, namespace, selector string) ([]string, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrap(err, "list pods")
	}
	names := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		names = append(names, p.Name)
	}
	return names, nil
}

// ServiceAccount returns the IRSA role ARN annotation (empty when absent)
// and image pull secret names for a ServiceAccount.
func (c *Client) ServiceAccount(ctx context.Context, namespace, name string) (string, []string, error) {
	sa, err := c.clientset.CoreV1().ServiceAccounts(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", nil, errors.Wrap(err, "get serviceaccount")
	}
	var secrets []string
	for _, s := range sa.ImagePullSecrets {
		secrets = append(secrets, s.Name)
	}
	return sa.Annotations[IRSAAnnotation], secrets, nil
}

// PodUsage reads current CPU (millicores) and memory (bytes) usage from
// metrics.k8s.io, summed across containers.
func (c *Client) PodUsage(ctx context.Context, namespace, pod string) (float64, float64, error) {
	pm, err := c.metrics.MetricsV1beta1().PodMetricses(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return 0, 0, errors.Wrap(err, "get pod metrics")
	}
	var cpuMilli, memBytes float64
	for _, container := range pm.Containers {
		cpuMilli += float64(container.Usage.Cpu().MilliValue())
		memBytes += float64(container.Usage.Memory().Value())
	}
	return cpuMilli, memBytes, nil
}
