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

package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/store"
)

func targetWorkload(cluster, namespace, kind, name string) identity.Target {
	return identity.Target{
		Type:         identity.TargetWorkload,
		Cluster:      cluster,
		Namespace:    namespace,
		WorkloadKind: kind,
		WorkloadName: name,
	}
}

func targetService(cluster, namespace, service string) identity.Target {
	return identity.Target{
		Type:      identity.TargetService,
		Cluster:   cluster,
		Namespace: namespace,
		Service:   service,
	}
}

var _ = Describe("ParseSearchQuery", func() {
	It("splits key:value filters from free-text tokens", func() {
		q := store.ParseSearchQuery("ns:payments crash loop svc:api")
		Expect(q.Keys).To(HaveKeyWithValue("namespace", "payments"))
		Expect(q.Keys).To(HaveKeyWithValue("service", "api"))
		Expect(q.Tokens).To(Equal([]string{"crash", "loop"}))
	})

	It("canonicalizes key aliases", func() {
		q := store.ParseSearchQuery("deploy:api alert:KubePodCrashLooping")
		Expect(q.Keys).To(HaveKeyWithValue("workload", "api"))
		Expect(q.Keys).To(HaveKeyWithValue("alertname", "KubePodCrashLooping"))
	})

	It("treats unknown keys as free text", func() {
		q := store.ParseSearchQuery("severity:critical")
		Expect(q.Keys).To(BeEmpty())
		Expect(q.Tokens).To(Equal([]string{"severity:critical"}))
	})

	It("round-trips through Render for known keys and safe tokens", func() {
		queries := []store.SearchQuery{
			{Keys: map[string]string{"namespace": "payments"}, Tokens: []string{"crash"}},
			{Keys: map[string]string{"workload": "api", "cluster": "prod"}, Tokens: nil},
			{Keys: map[string]string{}, Tokens: []string{"oom", "killed"}},
		}
		for _, q := range queries {
			reparsed := store.ParseSearchQuery(q.Render())
			Expect(reparsed.Keys).To(Equal(q.Keys))
			if len(q.Tokens) == 0 {
				Expect(reparsed.Tokens).To(BeEmpty())
			} else {
				Expect(reparsed.Tokens).To(Equal(q.Tokens))
			}
		}
	})
})

var _ = Describe("JobNamePrefix", func() {
	It("strips CronJob-style generated suffixes", func() {
		Expect(store.JobNamePrefix("nightly-export-29384756")).To(Equal("nightly-export"))
		Expect(store.JobNamePrefix("nightly-export-29384756-ab1cd")).To(Equal("nightly-export"))
	})

	It("leaves human-chosen names alone", func() {
		Expect(store.JobNamePrefix("nightly-export")).To(BeEmpty())
		Expect(store.JobNamePrefix("api-v2")).To(BeEmpty())
	})
})

var _ = Describe("CaseKeyFor", func() {
	It("prefers workload identity and excludes pods", func() {
		key := store.CaseKeyFor(targetWorkload("prod", "payments", "Deployment", "api"), "crashloop")
		Expect(key).To(Equal("crashloop/prod/payments/deployment/api"))
	})

	It("falls back to service identity", func() {
		key := store.CaseKeyFor(targetService("prod", "payments", "api-svc"), "http_5xx")
		Expect(key).To(Equal("http_5xx/prod/payments/service/api-svc"))
	})

	It("is stable across pod churn", func() {
		a := targetWorkload("prod", "payments", "Deployment", "api")
		a.Pod = "api-7f9b4c-x2k8j"
		b := targetWorkload("prod", "payments", "Deployment", "api")
		b.Pod = "api-5d8a1f-q9m2p"
		Expect(store.CaseKeyFor(a, "crashloop")).To(Equal(store.CaseKeyFor(b, "crashloop")))
	})
})
