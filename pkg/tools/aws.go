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

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/tarka-ai/tarka/pkg/cloud"
	"github.com/tarka-ai/tarka/pkg/kube"
)

// RegisterAWSTools attaches the read-only AWS toolset. The whole group sits
// behind the aws. prefix gate, so a single policy flag turns it off.
func (ex *Executor) RegisterAWSTools(inspector *cloud.Inspector, k kube.ReadOnlyClient) {
	requireInspector := func() error {
		if inspector == nil {
			return errors.New("tool_exception:Unavailable:aws inspector not configured")
		}
		return nil
	}

	ex.register("aws.s3_bucket_location", ScopeCase, "aws",
		"Check whether an S3 bucket exists and which region it lives in.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			bucket := args.String("bucket")
			if bucket == "" {
				return nil, errors.New("tool_exception:BadArgs:bucket is required")
			}
			return inspector.S3BucketCheck(ctx, bucket), nil
		})

	ex.register("aws.iam_role_permissions", ScopeCase, "aws",
		"List attached policies for an IAM role, by role name or by the service account's IRSA annotation.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			role := args.String("role_name")
			if role == "" {
				sa := args.String("service_account")
				namespace := argOrTarget(scope, args, "namespace")
				if sa == "" || namespace == "" {
					return nil, errors.New("tool_exception:BadArgs:role_name or service_account+namespace is required")
				}
				if k == nil {
					return nil, errors.New("tool_exception:Unavailable:kubernetes not configured")
				}
				roleARN, _, err := k.ServiceAccount(ctx, namespace, sa)
				if err != nil {
					return nil, err
				}
				if roleARN == "" {
					return nil, errors.New("no_iam_role_annotation")
				}
				role = roleARN
			}
			policies, trusted, err := inspector.RolePolicies(ctx, role)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"role":            role,
				"policies":        policies,
				"trust_validated": trusted,
			}, nil
		})

	ex.register("aws.ecr", ScopeCase, "aws",
		"Probe whether an image tag exists in an ECR repository.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			repository := args.String("repository")
			tag := args.String("tag")
			if repository == "" || tag == "" {
				return nil, errors.New("tool_exception:BadArgs:repository and tag are required")
			}
			status := inspector.ECRImageProbe(ctx,
				args.String("account"), args.String("region"), repository, tag)
			return map[string]string{
				"repository": repository,
				"tag":        tag,
				"status":     status,
			}, nil
		})

	ex.register("aws.ec2", ScopeCase, "aws",
		"Look up EC2 instances backing the case's nodes by private IP.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			ips := splitCSV(args.String("private_ips"))
			if len(ips) == 0 && scope.Snapshot != nil {
				// Node names on EKS embed the private IP: ip-10-0-1-2.ec2.internal.
				if ip := nodeNameIP(scope.Snapshot.Alert.Labels["node"]); ip != "" {
					ips = []string{ip}
				}
			}
			if len(ips) == 0 {
				return nil, errors.New("tool_exception:BadArgs:private_ips is required")
			}
			return inspector.InstancesByPrivateIP(ctx, ips)
		})

	ex.register("aws.ebs", ScopeCase, "aws",
		"List EBS volumes attached to an EC2 instance.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			instanceID := args.String("instance_id")
			if instanceID == "" {
				return nil, errors.New("tool_exception:BadArgs:instance_id is required")
			}
			return inspector.VolumesForInstance(ctx, instanceID)
		})

	ex.register("aws.elb", ScopeCase, "aws",
		"Summarize load balancer state, optionally filtered by name fragment.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			fragment := args.String("name")
			if fragment == "" && scope.Snapshot != nil {
				fragment = scope.Snapshot.Target.Service
			}
			return inspector.LoadBalancerHealth(ctx, fragment)
		})

	ex.register("aws.rds", ScopeCase, "aws",
		"List RDS instances and their status, optionally filtered by identifier fragment.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			return inspector.RDSInstances(ctx, args.String("identifier"))
		})

	ex.register("aws.security_group", ScopeCase, "aws",
		"Describe security groups by id.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			ids := splitCSV(args.String("group_ids"))
			if len(ids) == 0 {
				return nil, errors.New("tool_exception:BadArgs:group_ids is required")
			}
			return inspector.SecurityGroups(ctx, ids)
		})

	ex.register("aws.nat_gateway", ScopeCase, "aws",
		"List NAT gateways, optionally scoped to one VPC.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			return inspector.NATGateways(ctx, args.String("vpc_id"))
		})

	ex.register("aws.vpc_endpoint", ScopeCase, "aws",
		"List VPC endpoints, optionally scoped to one VPC.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			return inspector.VPCEndpoints(ctx, args.String("vpc_id"))
		})

	ex.register("aws.cloudtrail", ScopeCase, "aws",
		"Look up recent CloudTrail events touching a named resource.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireInspector(); err != nil {
				return nil, err
			}
			resource := args.String("resource")
			if resource == "" {
				return nil, errors.New("tool_exception:BadArgs:resource is required")
			}
			hours := args.Int("hours", 24)
			if hours <= 0 || hours > 24*7 {
				hours = 24
			}
			return inspector.RecentEvents(ctx, resource,
				time.Now().Add(-time.Duration(hours)*time.Hour), int32(args.Int("limit", 20)))
		})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// nodeNameIP recovers the private IP from EKS-style node names such as
// ip-10-0-1-2.ec2.internal.
func nodeNameIP(node string) string {
	host := node
	if idx := strings.IndexByte(host, '.'); idx > 0 {
		host = host[:idx]
	}
	if !strings.HasPrefix(host, "ip-") {
		return ""
	}
	ip := strings.ReplaceAll(strings.TrimPrefix(host, "ip-"), "-", ".")
	if strings.Count(ip, ".") != 3 {
		return ""
	}
	return ip
}
