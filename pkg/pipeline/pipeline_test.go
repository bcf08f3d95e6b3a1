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

package pipeline_test

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/pipeline"
)

// stubCollector lets tests inject evidence and hypotheses without provider
// clients.
type stubCollector struct {
	family     identity.Family
	collect    func(inv *investigation.Investigation)
	hypotheses []investigation.Hypothesis
}

func (s *stubCollector) Name() string { return "stub" }
func (s *stubCollector) Applies(inv *investigation.Investigation) bool {
	return inv.Family == s.family
}
func (s *stubCollector) Collect(ctx context.Context, deps collectors.Deps, inv *investigation.Investigation) {
	if s.collect != nil {
		s.collect(inv)
	}
}
func (s *stubCollector) Diagnose(f investigation.Features) []investigation.Hypothesis {
	return s.hypotheses
}

func firingAlert(labels map[string]string) alert.Alert {
	if labels["alertname"] == "" {
		labels["alertname"] = "KubernetesPodCrashLooping"
	}
	return alert.Alert{
		Fingerprint: "fp-1",
		Labels:      labels,
		StartsAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:       alert.StateFiring,
	}
}

var _ = Describe("Pipeline.Run", func() {
	newPipeline := func(stub *stubCollector) *pipeline.Pipeline {
		deps := collectors.Deps{
			Now: func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) },
		}
		return pipeline.NewWithRegistry(deps, []collectors.Collector{stub}, logr.Discard())
	}

	It("builds the lookback window ending at now", func() {
		stub := &stubCollector{family: identity.FamilyCrashloop}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"namespace": "ns", "pod": "p-1"}), time.Hour)

		Expect(inv.TimeWindow.EndTime).To(Equal(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))
		Expect(inv.TimeWindow.StartTime).To(Equal(time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)))
	})

	It("derives family and target from the alert labels", func() {
		stub := &stubCollector{family: identity.FamilyCrashloop}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"namespace": "payments", "pod": "api-1"}), time.Hour)

		Expect(inv.Family).To(Equal(identity.FamilyCrashloop))
		Expect(inv.Target.Pod).To(Equal("api-1"))
		Expect(inv.Target.Playbook).To(Equal("crashloop"))
	})

	It("clamps out-of-range hypothesis confidence", func() {
		stub := &stubCollector{
			family: identity.FamilyCrashloop,
			hypotheses: []investigation.Hypothesis{
				{HypothesisID: "h1", Title: "t", Confidence: 140},
			},
		}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"namespace": "ns", "pod": "p"}), time.Hour)

		Expect(inv.Analysis.Hypotheses[0].Confidence).To(Equal(100))
	})

	It("classifies a confident crashloop as actionable", func() {
		stub := &stubCollector{
			family: identity.FamilyCrashloop,
			collect: func(inv *investigation.Investigation) {
				inv.Evidence.K8s = &investigation.K8sEvidence{
					PodInfo: &investigation.PodInfo{ContainerStatuses: []investigation.ContainerStatus{
						{Name: "app", OOMKilled: true, RestartCount: 7},
					}},
				}
				inv.Evidence.Metrics = &investigation.MetricsEvidence{
					RestartRate: []investigation.SamplePoint{{Value: 0.4}},
					MemoryLimit: 100,
					MemoryUsage: []investigation.SamplePoint{{Value: 99}},
				}
				inv.Evidence.Logs = &investigation.LogsEvidence{
					Lines:  []investigation.LogLine{{Text: "x"}},
					Parsed: &investigation.ParsedLogs{Status: "clean"},
				}
			},
			hypotheses: []investigation.Hypothesis{
				{HypothesisID: "crashloop_oom", Title: "OOM crash loop", Confidence: 85},
			},
		}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"namespace": "ns", "pod": "p"}), time.Hour)

		Expect(inv.Analysis.Verdict.Classification).To(Equal(investigation.ClassActionable))
		Expect(inv.Analysis.Verdict.PrimaryDriver).To(Equal("crashloop_oom"))
		Expect(inv.Analysis.Verdict.OneLiner).To(ContainSubstring("OOM crash loop"))
	})

	It("classifies Watchdog alerts as informational with zero impact", func() {
		stub := &stubCollector{family: identity.FamilyMeta}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"alertname": "Watchdog"}), time.Hour)

		Expect(inv.Family).To(Equal(identity.FamilyMeta))
		Expect(inv.Analysis.Verdict.Classification).To(Equal(investigation.ClassInformational))
		Expect(inv.Analysis.Scores.ImpactScore).To(BeZero())
	})

	It("marks evidence-free runs noisy rather than failing", func() {
		stub := &stubCollector{family: identity.FamilyCrashloop}
		inv := newPipeline(stub).Run(context.Background(),
			firingAlert(map[string]string{"namespace": "ns", "pod": "p"}), time.Hour)

		Expect(inv.Analysis.Features.Quality.EvidenceQuality).To(Equal(investigation.QualityLow))
		Expect(inv.Analysis.Scores.NoiseScore).To(BeNumerically(">=", 45))
		Expect(inv.Analysis.Verdict.OneLiner).ToNot(BeEmpty())
	})
})

var _ = Describe("ExtractFeatures", func() {
	It("folds waiting reason, restarts, and near-limit booleans", func() {
		inv := investigation.New(firingAlert(map[string]string{"namespace": "ns", "pod": "p"}),
			identity.Target{Pod: "p", Namespace: "ns"}, identity.FamilyCrashloop,
			time.Hour, time.Now())
		started := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
		finished := started.Add(5 * time.Second)
		inv.Evidence.K8s = &investigation.K8sEvidence{
			PodInfo: &investigation.PodInfo{ContainerStatuses: []investigation.ContainerStatus{
				{Name: "app", WaitingReason: "CrashLoopBackOff", LastStartedAt: &started, LastFinishedAt: &finished},
			}},
		}
		inv.Evidence.Metrics = &investigation.MetricsEvidence{
			RestartRate: []investigation.SamplePoint{{Value: 0.1}, {Value: 0.5}},
			CPULimit:    1.0,
			CPUUsage:    []investigation.SamplePoint{{Value: 0.95}},
		}

		f := pipeline.ExtractFeatures(inv)
		Expect(f.WaitingReason).To(Equal("CrashLoopBackOff"))
		Expect(f.RestartRateMax).To(Equal(0.5))
		Expect(f.CrashDurationSecs).To(Equal(5.0))
		Expect(f.CPUNearLimit).To(BeTrue())
	})

	It("flags the oom/memory contradiction", func() {
		inv := investigation.New(firingAlert(map[string]string{"namespace": "ns", "pod": "p"}),
			identity.Target{Pod: "p", Namespace: "ns"}, identity.FamilyOOMKilled,
			time.Hour, time.Now())
		inv.Evidence.K8s = &investigation.K8sEvidence{
			PodInfo: &investigation.PodInfo{ContainerStatuses: []investigation.ContainerStatus{
				{Name: "app", OOMKilled: true},
			}},
		}
		inv.Evidence.Metrics = &investigation.MetricsEvidence{
			MemoryLimit: 1000,
			MemoryUsage: []investigation.SamplePoint{{Value: 100}},
		}

		f := pipeline.ExtractFeatures(inv)
		Expect(f.OOMKilled).To(BeTrue())
		Expect(f.MemoryNearLimit).To(BeFalse())
		Expect(f.Quality.ContradictionFlags).To(ContainElement("oom_killed_but_memory_not_near_limit"))
	})
})

var _ = Describe("RenderReport", func() {
	It("renders verdict, hypotheses, and severity-ordered log snippets", func() {
		inv := investigation.New(firingAlert(map[string]string{"namespace": "ns", "pod": "p"}),
			identity.Target{Type: identity.TargetPod, Pod: "p", Namespace: "ns"},
			identity.FamilyCrashloop, time.Hour, time.Now())
		inv.Evidence.Logs = &investigation.LogsEvidence{
			Parsed: &investigation.ParsedLogs{
				Status: "fatal_found",
				Entries: []investigation.ParsedEntry{
					{Index: 0, Severity: "error", Message: "ERROR minor"},
					{Index: 1, Severity: "fatal", Message: "FATAL the cause"},
				},
			},
		}
		inv.Analysis.Hypotheses = []investigation.Hypothesis{
			{HypothesisID: "h", Title: "Startup failure", Confidence: 80, Why: []string{"fatal logs"}},
		}
		pipeline.Score(inv)

		report := pipeline.RenderReport(inv, 10)
		Expect(report).To(ContainSubstring("Startup failure"))
		Expect(report).To(ContainSubstring("[FATAL] FATAL the cause"))
		fatalIdx := strings.Index(report, "FATAL the cause")
		errorIdx := strings.Index(report, "ERROR minor")
		Expect(fatalIdx).To(BeNumerically("<", errorIdx))
	})

	It("caps embedded snippets", func() {
		inv := investigation.New(firingAlert(map[string]string{"namespace": "ns", "pod": "p"}),
			identity.Target{Pod: "p", Namespace: "ns"}, identity.FamilyCrashloop, time.Hour, time.Now())
		parsed := &investigation.ParsedLogs{Status: "errors_found"}
		for i := 0; i < 50; i++ {
			parsed.Entries = append(parsed.Entries, investigation.ParsedEntry{
				Index: i, Severity: "error", Message: "ERROR line",
			})
		}
		inv.Evidence.Logs = &investigation.LogsEvidence{Parsed: parsed}
		pipeline.Score(inv)

		report := pipeline.RenderReport(inv, 5)
		Expect(strings.Count(report, "[ERROR]")).To(Equal(5))
	})
})
