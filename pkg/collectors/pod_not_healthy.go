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
	"strings"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// PodNotHealthyCollector runs the pod baseline and, when the pod is stuck
// pulling its image, attaches image-pull diagnostics: parsed image
// reference, error bucket, service-account pull secrets, and an optional
// ECR probe.
type PodNotHealthyCollector struct{}

func (c *PodNotHealthyCollector) Name() string { return "pod_not_healthy" }

func (c *PodNotHealthyCollector) Applies(inv *investigation.Investigation) bool {
	return familyCollectorApplies(inv, identity.FamilyPodNotHealthy)
}

func (c *PodNotHealthyCollector) Collect(ctx context.Context, deps Deps, inv *investigation.Investigation) {
	CollectPodBaseline(ctx, deps, inv)

	k8s := inv.Evidence.K8s
	if k8s == nil || k8s.ImagePull != nil {
		return
	}

	image, message := imagePullFailure(k8s)
	if image == "" {
		return
	}

	pull := &investigation.ImagePullInfo{
		ErrorBucket: ClassifyPullError(message),
		Message:     truncate(message, 300),
	}

	ref, err := ParseImageRef(image)
	if err != nil {
		inv.AddError("image_ref", err)
	} else {
		pull.ImageRef = ref
	}

	if deps.Kube != nil && k8s.PodInfo != nil && k8s.PodInfo.ServiceAccount != "" {
		_, secrets, err := deps.Kube.ServiceAccount(ctx, inv.Target.Namespace, k8s.PodInfo.ServiceAccount)
		if err != nil {
			inv.AddError("pull_secrets", err)
		} else {
			pull.PullSecrets = secrets
		}
	}

	if deps.AWS != nil && ref != nil && ref.ECR {
		pull.ECRProbe = deps.AWS.ECRImageProbe(ctx, ref.ECRAccount, ref.ECRRegion, ref.Repository, ref.Tag)
	}

	k8s.ImagePull = pull
}

// imagePullFailure finds the failing image and the pull error message from
// container statuses and events.
func imagePullFailure(k8s *investigation.K8sEvidence) (image, message string) {
	if k8s.PodInfo != nil {
		for _, cs := range k8s.PodInfo.ContainerStatuses {
			switch cs.WaitingReason {
			case "ImagePullBackOff", "ErrImagePull", "InvalidImageName":
				image, message = cs.Image, cs.WaitingMessage
			}
		}
	}
	if message == "" {
		for _, e := range k8s.Events {
			if e.Reason == "Failed" && strings.Contains(strings.ToLower(e.Message), "pull") {
				message = e.Message
			}
		}
	}
	return image, message
}

func (c *PodNotHealthyCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	var hypotheses []investigation.Hypothesis

	switch f.ImagePullBucket {
	case "not_found":
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "image_tag_missing",
			Title:          "Referenced image tag does not exist in the registry",
			Confidence:     investigation.ClampConfidence(85),
			Why:            []string{"pull failure classifies as not_found"},
			SupportingRefs: []string{"features.image_pull_bucket"},
			NextTests: []string{
				"probe the registry for the exact tag",
				"check the CI pipeline that should have pushed the tag",
			},
		})
	case "auth":
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "image_pull_auth",
			Title:          "Registry credentials are missing or expired",
			Confidence:     investigation.ClampConfidence(80),
			Why:            []string{"pull failure classifies as auth"},
			SupportingRefs: []string{"features.image_pull_bucket"},
			NextTests: []string{
				"verify the service account's pull secrets",
				"for ECR, verify the node role or IRSA permissions",
			},
		})
	case "tls", "network":
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "registry_unreachable",
			Title:          "Registry is unreachable from the node",
			Confidence:     investigation.ClampConfidence(70),
			Why:            []string{"pull failure classifies as " + f.ImagePullBucket},
			SupportingRefs: []string{"features.image_pull_bucket"},
			NextTests: []string{
				"test registry connectivity from the node's network",
			},
		})
	}

	if f.WaitingReason == "Pending" || f.WaitingReason == "ContainerCreating" {
		hypotheses = append(hypotheses, investigation.Hypothesis{
			HypothesisID:   "pod_unschedulable",
			Title:          "Pod cannot be scheduled or started",
			Confidence:     investigation.ClampConfidence(50),
			Why:            []string{"pod is stuck before container start"},
			SupportingRefs: []string{"features.waiting_reason"},
			NextTests: []string{
				"check FailedScheduling events and node capacity",
			},
		})
	}
	return hypotheses
}
