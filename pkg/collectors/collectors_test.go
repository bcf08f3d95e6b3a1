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

package collectors_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/common/model"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/logsrc"
)

type fakeKube struct {
	podInfo    *investigation.PodInfo
	conditions []investigation.PodCondition
	events     []investigation.Event
	ownerChain []identity.OwnerRef
	rollout    *investigation.RolloutStatus
	logs       []investigation.LogLine
	job        *investigation.JobStatus
	jobPods    []string
	irsaRole   string
	secrets    []string
}

func (f *fakeKube) PodContext(ctx context.Context, namespace, pod string) (*investigation.PodInfo, []investigation.PodCondition, error) {
	return f.podInfo, f.conditions, nil
}
func (f *fakeKube) Events(ctx context.Context, namespace, objectName string) ([]investigation.Event, error) {
	return f.events, nil
}
func (f *fakeKube) OwnerChain(ctx context.Context, namespace, pod string) ([]identity.OwnerRef, error) {
	return f.ownerChain, nil
}
func (f *fakeKube) RolloutStatus(ctx context.Context, namespace, kind, name string) (*investigation.RolloutStatus, error) {
	return f.rollout, nil
}
func (f *fakeKube) PodLogs(ctx context.Context, namespace, pod, container string, previous bool, maxLines int, since time.Time) ([]investigation.LogLine, error) {
	return f.logs, nil
}
func (f *fakeKube) Job(ctx context.Context, namespace, name string) (*investigation.JobStatus, error) {
	return f.job, nil
}
func (f *fakeKube) PodsBySelector(ctx context.Context, namespace, selector string) ([]string, error) {
	return f.jobPods, nil
}
func (f *fakeKube) ServiceAccount(ctx context.Context, namespace, name string) (string, []string, error) {
	return f.irsaRole, f.secrets, nil
}
func (f *fakeKube) PodUsage(ctx context.Context, namespace, pod string) (float64, float64, error) {
	return 0, 0, nil
}

type fakeProm struct{}

func (f *fakeProm) Instant(ctx context.Context, query string, ts time.Time) (model.Vector, error) {
	return model.Vector{}, nil
}
func (f *fakeProm) Range(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Matrix, error) {
	return model.Matrix{}, nil
}

type fakeLogs struct {
	current  []investigation.LogLine
	previous []investigation.LogLine
}

func (f *fakeLogs) Tail(ctx context.Context, q logsrc.Query) ([]investigation.LogLine, error) {
	if q.Previous {
		return f.previous, nil
	}
	return f.current, nil
}

func newInvestigation(family identity.Family, target identity.Target) *investigation.Investigation {
	a := alert.Alert{
		Labels:   map[string]string{"alertname": "Test"},
		StartsAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:    alert.StateFiring,
	}
	return investigation.New(a, target, family, time.Hour, a.StartsAt)
}

var _ = Describe("CrashloopCollector", func() {
	var (
		collector *collectors.CrashloopCollector
		deps      collectors.Deps
		inv       *investigation.Investigation
	)

	BeforeEach(func() {
		collector = &collectors.CrashloopCollector{}
		inv = newInvestigation(identity.FamilyCrashloop, identity.Target{
			Type:      identity.TargetPod,
			Namespace: "payments",
			Pod:       "api-7f9b4c-x2k8j",
		})
		deps = collectors.Deps{
			Kube: &fakeKube{
				podInfo: &investigation.PodInfo{Name: "api-7f9b4c-x2k8j", Namespace: "payments"},
				events: []investigation.Event{
					{Reason: "Unhealthy", Message: "Liveness probe failed: HTTP 500"},
				},
			},
			Prom: &fakeProm{},
			Logs: &fakeLogs{
				current:  []investigation.LogLine{{Index: 0, Text: "starting up"}},
				previous: []investigation.LogLine{{Index: 0, Text: "FATAL config missing"}},
			},
		}
	})

	It("applies to the crashloop family only", func() {
		Expect(collector.Applies(inv)).To(BeTrue())
		other := newInvestigation(identity.FamilyOOMKilled, inv.Target)
		Expect(collector.Applies(other)).To(BeFalse())
	})

	It("surfaces the previous container instance's crash output", func() {
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Evidence.Logs).ToNot(BeNil())
		Expect(inv.Evidence.Logs.PreviousLines).To(HaveLen(1))
		Expect(inv.Evidence.Logs.Parsed.Status).To(Equal("fatal_found"))
	})

	It("classifies liveness probe failures from events", func() {
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Evidence.Meta["probe_failure"]).To(Equal("liveness"))
	})

	It("proposes a startup-failure hypothesis for fast fatal crashes", func() {
		hypotheses := collector.Diagnose(investigation.Features{
			LogsStatus:        "fatal_found",
			LogFatalCount:     3,
			CrashDurationSecs: 4,
		})
		Expect(hypotheses).ToNot(BeEmpty())
		Expect(hypotheses[0].HypothesisID).To(Equal("crashloop_app_fatal"))
		Expect(hypotheses[0].Confidence).To(Equal(85))
	})

	It("falls back to an undiagnosed hypothesis when only restarts are known", func() {
		hypotheses := collector.Diagnose(investigation.Features{RestartRateMax: 0.4})
		Expect(hypotheses).To(HaveLen(1))
		Expect(hypotheses[0].HypothesisID).To(Equal("crashloop_undiagnosed"))
	})
})

var _ = Describe("JobFailedCollector", func() {
	var (
		collector *collectors.JobFailedCollector
		kube      *fakeKube
		deps      collectors.Deps
		inv       *investigation.Investigation
		jobStart  time.Time
	)

	BeforeEach(func() {
		collector = &collectors.JobFailedCollector{}
		jobStart = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
		kube = &fakeKube{
			job: &investigation.JobStatus{
				Name:          "nightly-export",
				Namespace:     "batch",
				StartTime:     &jobStart,
				Failed:        1,
				FailureReason: "BackoffLimitExceeded",
			},
			events: []investigation.Event{
				{Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit"},
			},
		}
		deps = collectors.Deps{
			Kube: kube,
			Prom: &fakeProm{},
			Logs: &fakeLogs{},
			Now:  func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		}
		inv = newInvestigation(identity.FamilyJobFailed, identity.Target{
			Type:         identity.TargetWorkload,
			Namespace:    "batch",
			WorkloadKind: "Job",
			WorkloadName: "nightly-export",
		})
	})

	It("retimes the window to the job's lifetime", func() {
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.TimeWindow.StartTime).To(Equal(jobStart))
		Expect(inv.TimeWindow.EndTime).To(Equal(inv.Alert.StartsAt))
		Expect(inv.Meta["time_window_adjusted"]).To(Equal("job_lifetime"))
	})

	It("always collects Job resource events even without pods", func() {
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Evidence.K8s.Events).ToNot(BeEmpty())
		Expect(inv.Evidence.K8s.Events[0].Reason).To(Equal("BackoffLimitExceeded"))
	})

	It("marks the run blocked when neither pods nor historical logs exist", func() {
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Meta["blocked_mode"]).To(Equal("job_pods_not_found"))
	})

	It("does not mark the run blocked when the historical fallback finds logs", func() {
		deps.Logs = &fakeLogs{current: []investigation.LogLine{
			{Index: 0, Text: "ERROR upload failed"},
		}}
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Meta).ToNot(HaveKey("blocked_mode"))
		Expect(inv.Evidence.Logs.Parsed.Status).To(Equal("errors_found"))
	})

	It("investigates the newest job pod when pods exist", func() {
		kube.jobPods = []string{"nightly-export-abc", "nightly-export-def"}
		kube.podInfo = &investigation.PodInfo{Name: "nightly-export-def", Namespace: "batch"}
		collector.Collect(context.Background(), deps, inv)
		Expect(inv.Target.Pod).To(Equal("nightly-export-def"))
		Expect(inv.Evidence.K8s.PodInfo).ToNot(BeNil())
		Expect(inv.Meta).ToNot(HaveKey("blocked_mode"))
	})

	It("diagnoses backoff-limit exhaustion from the job failure reason", func() {
		hypotheses := collector.Diagnose(investigation.Features{
			JobFailureReason: "BackoffLimitExceeded",
		})
		Expect(hypotheses[0].HypothesisID).To(Equal("job_backoff_limit"))
	})

	It("diagnoses deadline exhaustion ahead of application failure", func() {
		hypotheses := collector.Diagnose(investigation.Features{
			JobFailureReason: "DeadlineExceeded",
			LogsStatus:       "errors_found",
		})
		Expect(hypotheses[0].HypothesisID).To(Equal("job_deadline_exceeded"))
		Expect(hypotheses).To(HaveLen(2))
	})
})

var _ = Describe("Registry", func() {
	It("routes each family to exactly one applicable collector", func() {
		registry := collectors.Registry()
		for _, family := range []identity.Family{
			identity.FamilyCrashloop,
			identity.FamilyCPUThrottling,
			identity.FamilyOOMKilled,
			identity.FamilyMemoryPressure,
			identity.FamilyHTTP5xx,
			identity.FamilyPodNotHealthy,
			identity.FamilyJobFailed,
			identity.FamilyGeneric,
			identity.FamilyTargetDown,
		} {
			inv := newInvestigation(family, identity.Target{Namespace: "ns", Pod: "p"})
			Expect(collectors.ForFamily(registry, inv)).To(HaveLen(1),
				"family %s should map to one collector", family)
		}
	})

	It("recovers a panicking collector into an investigation error", func() {
		inv := newInvestigation(identity.FamilyGeneric, identity.Target{})
		collectors.RunCollector(context.Background(), panicCollector{}, collectors.Deps{}, inv)
		Expect(inv.Errors).To(HaveLen(1))
		Expect(inv.Errors[0]).To(ContainSubstring("panic recovered"))
	})
})

type panicCollector struct{}

func (panicCollector) Name() string                                         { return "panics" }
func (panicCollector) Applies(*investigation.Investigation) bool            { return true }
func (panicCollector) Diagnose(investigation.Features) []investigation.Hypothesis { return nil }
func (panicCollector) Collect(context.Context, collectors.Deps, *investigation.Investigation) {
	panic("boom")
}
