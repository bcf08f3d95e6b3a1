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
	"regexp"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// ecrHostPattern matches {account}.dkr.ecr.{region}.amazonaws.com.
var ecrHostPattern = regexp.MustCompile(`^(\d{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com$`)

// ParseImageRef splits a container image reference into registry,
// repository, tag, and digest, detecting ECR hosts. Built on
// go-containerregistry's reference grammar rather than hand-rolled
// splitting: image references have enough corner cases (port-bearing
// registries, digest-only refs) that the registry's own parser is the safe
// path.
func ParseImageRef(image string) (*investigation.ImageRef, error) {
	ref, err := name.ParseReference(image, name.WeakValidation)
	if err != nil {
		return nil, errors.Wrap(err, "parse image reference")
	}

	out := &investigation.ImageRef{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
	}
	switch typed := ref.(type) {
	case name.Tag:
		out.Tag = typed.TagStr()
	case name.Digest:
		out.Digest = typed.DigestStr()
	}
	// tag@digest form: the digest ref hides the tag, recover it from the raw
	// string
	if out.Digest != "" && out.Tag == "" {
		if at := strings.Index(image, "@"); at > 0 {
			if colon := strings.LastIndex(image[:at], ":"); colon > strings.LastIndex(image[:at], "/") {
				out.Tag = image[colon+1 : at]
			}
		}
	}

	if m := ecrHostPattern.FindStringSubmatch(out.Registry); m != nil {
		out.ECR = true
		out.ECRAccount = m[1]
		out.ECRRegion = m[2]
	}
	return out, nil
}

// ClassifyPullError buckets an image-pull failure message. Buckets:
// not_found | auth | tls | network | unknown.
func ClassifyPullError(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not found") ||
		strings.Contains(lower, "manifest unknown") ||
		strings.Contains(lower, "repository does not exist"):
		return "not_found"
	case strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "pull access denied") ||
		strings.Contains(lower, "403"):
		return "auth"
	case strings.Contains(lower, "x509") ||
		strings.Contains(lower, "certificate") ||
		strings.Contains(lower, "tls"):
		return "tls"
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "i/o timeout"):
		return "network"
	}
	return "unknown"
}
