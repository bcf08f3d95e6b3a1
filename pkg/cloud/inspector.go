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

// Package cloud is the read-only AWS inspection surface: the evidence
// collectors' validation probe and the assistant's aws.* tools both go
// through the Inspector. Nothing in here mutates cloud state.
package cloud

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// Inspector wraps the AWS read APIs the assistant is allowed to touch.
type Inspector struct {
	s3         *s3.Client
	iam        *iam.Client
	ecr        *ecr.Client
	ec2        *ec2.Client
	elb        *elbv2.Client
	rds        *rds.Client
	cloudtrail *cloudtrail.Client
	logger     logr.Logger
}

// NewInspector builds an inspector from the ambient AWS credential chain.
func NewInspector(ctx context.Context, region string, logger logr.Logger) (*Inspector, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return &Inspector{
		s3:         s3.NewFromConfig(cfg),
		iam:        iam.NewFromConfig(cfg),
		ecr:        ecr.NewFromConfig(cfg),
		ec2:        ec2.NewFromConfig(cfg),
		elb:        elbv2.NewFromConfig(cfg),
		rds:        rds.NewFromConfig(cfg),
		cloudtrail: cloudtrail.NewFromConfig(cfg),
		logger:     logger.WithName("cloud"),
	}, nil
}

// S3BucketCheck probes a bucket's existence and region. AccessDenied counts
// as existing: the bucket is there, the caller just cannot read it, and that
// distinction is diagnostic.
func (in *Inspector) S3BucketCheck(ctx context.Context, bucket string) *investigation.S3BucketCheck {
	check := &investigation.S3BucketCheck{Bucket: bucket}
	out, err := in.s3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "AccessDenied"):
			check.Exists = true
			check.Error = "AccessDenied"
		case strings.Contains(msg, "NoSuchBucket"), strings.Contains(msg, "NotFound"):
			check.Error = "NoSuchBucket"
		default:
			check.Error = msg
		}
		return check
	}
	check.Exists = true
	check.Region = string(out.LocationConstraint)
	if check.Region == "" {
		// GetBucketLocation reports us-east-1 as an empty constraint.
		check.Region = "us-east-1"
	}
	return check
}

// ECRImageProbe checks whether a tag exists in a repository. Returns a short
// status string for the image-pull evidence block.
func (in *Inspector) ECRImageProbe(ctx context.Context, account, region, repository, tag string) string {
	out, err := in.ecr.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RegistryId:     aws.String(account),
		RepositoryName: aws.String(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "ImageNotFound"):
			return "tag_not_found"
		case strings.Contains(msg, "RepositoryNotFound"):
			return "repository_not_found"
		case strings.Contains(msg, "AccessDenied"):
			return "access_denied"
		}
		return "probe_error"
	}
	if len(out.ImageDetails) == 0 {
		return "tag_not_found"
	}
	return "image_exists"
}

// RolePolicies lists attached and inline policy names for a role and checks
// that its trust policy mentions the EKS OIDC federation.
func (in *Inspector) RolePolicies(ctx context.Context, roleARN string) ([]string, bool, error) {
	roleName := roleNameFromARN(roleARN)
	if roleName == "" {
		return nil, false, errors.Errorf("cannot parse role name from %q", roleARN)
	}

	var policies []string
	attached, err := in.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "list attached role policies")
	}
	for _, p := range attached.AttachedPolicies {
		policies = append(policies, aws.ToString(p.PolicyName))
	}

	inline, err := in.iam.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	if err == nil {
		policies = append(policies, inline.PolicyNames...)
	}

	role, err := in.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	trustValidated := err == nil && role.Role != nil &&
		strings.Contains(aws.ToString(role.Role.AssumeRolePolicyDocument), "oidc")
	return policies, trustValidated, nil
}

// SecurityGroups describes security groups by id.
func (in *Inspector) SecurityGroups(ctx context.Context, ids []string) ([]ec2types.SecurityGroup, error) {
	out, err := in.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: ids})
	if err != nil {
		return nil, errors.Wrap(err, "describe security groups")
	}
	return out.SecurityGroups, nil
}

// NATGateways lists NAT gateways in a VPC (all when vpcID is empty).
func (in *Inspector) NATGateways(ctx context.Context, vpcID string) ([]ec2types.NatGateway, error) {
	input := &ec2.DescribeNatGatewaysInput{}
	if vpcID != "" {
		input.Filter = []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}
	}
	out, err := in.ec2.DescribeNatGateways(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "describe nat gateways")
	}
	return out.NatGateways, nil
}

// VPCEndpoints lists interface/gateway endpoints in a VPC.
func (in *Inspector) VPCEndpoints(ctx context.Context, vpcID string) ([]ec2types.VpcEndpoint, error) {
	input := &ec2.DescribeVpcEndpointsInput{}
	if vpcID != "" {
		input.Filters = []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}
	}
	out, err := in.ec2.DescribeVpcEndpoints(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "describe vpc endpoints")
	}
	return out.VpcEndpoints, nil
}

// InstanceSummary is the condensed EC2 view returned to the assistant.
type InstanceSummary struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Type       string `json:"type"`
	PrivateIP  string `json:"private_ip,omitempty"`
	LaunchTime string `json:"launch_time,omitempty"`
}

// InstancesByPrivateIP finds EC2 instances by node-internal address.
func (in *Inspector) InstancesByPrivateIP(ctx context.Context, ips []string) ([]InstanceSummary, error) {
	out, err := in.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{Name: aws.String("private-ip-address"), Values: ips}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "describe instances")
	}
	var instances []InstanceSummary
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			summary := InstanceSummary{
				InstanceID: aws.ToString(inst.InstanceId),
				Type:       string(inst.InstanceType),
				PrivateIP:  aws.ToString(inst.PrivateIpAddress),
			}
			if inst.State != nil {
				summary.State = string(inst.State.Name)
			}
			if inst.LaunchTime != nil {
				summary.LaunchTime = inst.LaunchTime.UTC().Format(time.RFC3339)
			}
			instances = append(instances, summary)
		}
	}
	return instances, nil
}

// VolumeSummary is the condensed EBS view.
type VolumeSummary struct {
	VolumeID string `json:"volume_id"`
	State    string `json:"state"`
	SizeGiB  int32  `json:"size_gib"`
	Type     string `json:"type"`
}

// VolumesForInstance lists EBS volumes attached to an instance.
func (in *Inspector) VolumesForInstance(ctx context.Context, instanceID string) ([]VolumeSummary, error) {
	out, err := in.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{
			Name: aws.String("attachment.instance-id"), Values: []string{instanceID},
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "describe volumes")
	}
	var volumes []VolumeSummary
	for _, v := range out.Volumes {
		volumes = append(volumes, VolumeSummary{
			VolumeID: aws.ToString(v.VolumeId),
			State:    string(v.State),
			SizeGiB:  aws.ToInt32(v.Size),
			Type:     string(v.VolumeType),
		})
	}
	return volumes, nil
}

// LoadBalancerHealth summarizes target health for load balancers matching a
// name fragment.
func (in *Inspector) LoadBalancerHealth(ctx context.Context, nameFragment string) (map[string]any, error) {
	lbs, err := in.elb.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{})
	if err != nil {
		return nil, errors.Wrap(err, "describe load balancers")
	}
	result := map[string]any{}
	for _, lb := range lbs.LoadBalancers {
		name := aws.ToString(lb.LoadBalancerName)
		if nameFragment != "" && !strings.Contains(name, nameFragment) {
			continue
		}
		state := ""
		if lb.State != nil {
			state = string(lb.State.Code)
		}
		result[name] = map[string]string{
			"state": state,
			"dns":   aws.ToString(lb.DNSName),
		}
	}
	return result, nil
}

// RDSSummary is the condensed database-instance view.
type RDSSummary struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	Engine     string `json:"engine"`
	Class      string `json:"class"`
}

// RDSInstances lists database instances, optionally filtered by identifier
// fragment.
func (in *Inspector) RDSInstances(ctx context.Context, fragment string) ([]RDSSummary, error) {
	out, err := in.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{})
	if err != nil {
		return nil, errors.Wrap(err, "describe db instances")
	}
	var dbs []RDSSummary
	for _, db := range out.DBInstances {
		id := aws.ToString(db.DBInstanceIdentifier)
		if fragment != "" && !strings.Contains(id, fragment) {
			continue
		}
		dbs = append(dbs, RDSSummary{
			Identifier: id,
			Status:     aws.ToString(db.DBInstanceStatus),
			Engine:     aws.ToString(db.Engine),
			Class:      aws.ToString(db.DBInstanceClass),
		})
	}
	return dbs, nil
}

// TrailEvent is one condensed CloudTrail record.
type TrailEvent struct {
	Name     string    `json:"name"`
	Username string    `json:"username,omitempty"`
	Time     time.Time `json:"time"`
	Source   string    `json:"source,omitempty"`
}

// RecentEvents looks up CloudTrail events touching a resource name since a
// point in time.
func (in *Inspector) RecentEvents(ctx context.Context, resourceName string, since time.Time, limit int32) ([]TrailEvent, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	out, err := in.cloudtrail.LookupEvents(ctx, &cloudtrail.LookupEventsInput{
		StartTime:  aws.Time(since),
		MaxResults: aws.Int32(limit),
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyResourceName,
			AttributeValue: aws.String(resourceName),
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "lookup cloudtrail events")
	}
	var events []TrailEvent
	for _, e := range out.Events {
		event := TrailEvent{
			Name:     aws.ToString(e.EventName),
			Username: aws.ToString(e.Username),
			Source:   aws.ToString(e.EventSource),
		}
		if e.EventTime != nil {
			event.Time = *e.EventTime
		}
		events = append(events, event)
	}
	return events, nil
}

func roleNameFromARN(arn string) string {
	if idx := strings.LastIndexByte(arn, '/'); idx >= 0 {
		return arn[idx+1:]
	}
	if !strings.Contains(arn, ":") {
		// Already a bare role name.
		return arn
	}
	return ""
}
