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

package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/gateway"
	"github.com/tarka-ai/tarka/pkg/queue"
)

func firingRaw(labels map[string]string, fingerprint string) alert.RawAlert {
	return alert.RawAlert{
		Labels:      labels,
		Fingerprint: fingerprint,
		StartsAt:    time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}
}

// counterValue reads one counter from the default registry, optionally
// filtered to a single label pair. Metrics are process-global, so tests
// compare deltas rather than absolute values.
func counterValue(name string, labelPairs ...string) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	Expect(err).ToNot(HaveOccurred())
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matchesLabels(metric, labelPairs) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabels(metric *dto.Metric, pairs []string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == pairs[i] && label.GetValue() == pairs[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ = Describe("Gateway ingest", func() {
	var (
		mr     *miniredis.Miniredis
		server *gateway.Server
	)

	newServer := func(allowlist []string) *gateway.Server {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q := queue.NewRedis(client, logr.Discard())
		ing := gateway.NewIngestor(q, "c1", allowlist, time.Hour, logr.Discard()).
			WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) })
		s, err := gateway.NewServer(context.Background(), ing, logr.Discard())
		Expect(err).ToNot(HaveOccurred())
		return s
	}

	post := func(payload alert.Payload) gateway.IngestCounts {
		body, err := json.Marshal(payload)
		Expect(err).ToNot(HaveOccurred())
		req := httptest.NewRequest(http.MethodPost, "/alerts", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		var counts gateway.IngestCounts
		Expect(json.Unmarshal(rec.Body.Bytes(), &counts)).To(Succeed())
		return counts
	}

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		server = newServer(nil)
	})

	AfterEach(func() {
		mr.Close()
	})

	It("collapses fingerprint churn on the same pod and drops resolved alerts", func() {
		counts := post(alert.Payload{
			Status: "firing",
			Alerts: []alert.RawAlert{
				firingRaw(map[string]string{
					"alertname": "CrashLoopBackOff", "cluster": "c1",
					"namespace": "ns", "pod": "p1",
				}, "fp-a"),
				firingRaw(map[string]string{
					"alertname": "CrashLoopBackOff", "cluster": "c1",
					"namespace": "ns", "pod": "p1",
				}, "fp-b"),
				{
					Labels:      map[string]string{"alertname": "B", "namespace": "ns"},
					Fingerprint: "fp-c",
					StartsAt:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
					EndsAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				},
			},
		})

		Expect(counts.Received).To(Equal(3))
		Expect(counts.Enqueued).To(Equal(1))
		Expect(counts.SkippedResolved).To(Equal(1))
		Expect(counts.SkippedDuplicate).To(Equal(1))
		Expect(counts.Errors).To(BeZero())
	})

	It("dedupes rollout-noisy alerts by workload and hour, OOM by container", func() {
		notHealthy := func(alertname, deployment, pod string) alert.RawAlert {
			return firingRaw(map[string]string{
				"alertname": alertname, "cluster": "c1", "namespace": "ns",
				"deployment": deployment, "pod": pod,
			}, "fp-"+pod+alertname)
		}
		oom := func(container string) alert.RawAlert {
			return firingRaw(map[string]string{
				"alertname": "KubernetesContainerOomKiller", "cluster": "c1",
				"namespace": "ns", "deployment": "api", "pod": "p1",
				"container": container,
			}, "fp-oom-"+container)
		}

		counts := post(alert.Payload{
			Status: "firing",
			Alerts: []alert.RawAlert{
				notHealthy("KubernetesPodNotHealthy", "api", "p1"),
				notHealthy("KubernetesPodNotHealthy", "api", "p2"),
				notHealthy("KubernetesPodNotHealthyCritical", "api", "p1"),
				notHealthy("KubernetesPodNotHealthyCritical", "checkout", "p9"),
				oom("app"),
				oom("sidecar"),
			},
		})

		Expect(counts.Received).To(Equal(6))
		Expect(counts.Enqueued).To(Equal(5))
		Expect(counts.SkippedDuplicate).To(Equal(1))
	})

	It("applies the alertname allowlist", func() {
		server = newServer([]string{"CrashLoopBackOff"})
		counts := post(alert.Payload{
			Status: "firing",
			Alerts: []alert.RawAlert{
				firingRaw(map[string]string{"alertname": "CrashLoopBackOff", "namespace": "ns", "pod": "p1"}, "fp-a"),
				firingRaw(map[string]string{"alertname": "Watchdog"}, "fp-w"),
			},
		})
		Expect(counts.Enqueued).To(Equal(1))
		Expect(counts.SkippedAllowlist).To(Equal(1))
	})

	It("dedupes across payloads through the queue guard", func() {
		payload := alert.Payload{
			Status: "firing",
			Alerts: []alert.RawAlert{
				firingRaw(map[string]string{"alertname": "CrashLoopBackOff", "namespace": "ns", "pod": "p1"}, "fp-a"),
			},
		}
		first := post(payload)
		Expect(first.Enqueued).To(Equal(1))

		second := post(payload)
		Expect(second.Enqueued).To(BeZero())
		Expect(second.SkippedDuplicate).To(Equal(1))
	})

	It("rejects a malformed payload with 400", func() {
		req := httptest.NewRequest(http.MethodPost, "/alerts", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("answers healthz", func() {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"ok":true`))
	})

	It("counts ingest outcomes in the default registry", func() {
		before := counterValue("tarka_gateway_alerts_skipped_total", "reason", "duplicate")
		post(alert.Payload{
			Status: "firing",
			Alerts: []alert.RawAlert{
				firingRaw(map[string]string{"alertname": "CrashLoopBackOff", "namespace": "ns", "pod": "m1"}, "fp-m1"),
				firingRaw(map[string]string{"alertname": "CrashLoopBackOff", "namespace": "ns", "pod": "m1"}, "fp-m2"),
			},
		})

		Expect(counterValue("tarka_gateway_alerts_received_total")).To(BeNumerically(">=", 2))
		Expect(counterValue("tarka_gateway_alerts_enqueued_total")).To(BeNumerically(">=", 1))
		Expect(counterValue("tarka_gateway_alerts_skipped_total", "reason", "duplicate")).
			To(Equal(before+1), "the second pod alert repeats the dedupe key")
	})

	It("fails fast when the queue is unreachable", func() {
		addr := mr.Addr()
		mr.Close()
		client := redis.NewClient(&redis.Options{Addr: addr})
		q := queue.NewRedis(client, logr.Discard())
		ing := gateway.NewIngestor(q, "c1", nil, time.Hour, logr.Discard())
		_, err := gateway.NewServer(context.Background(), ing, logr.Discard())
		Expect(err).To(HaveOccurred())
	})
})
