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

package investigation

// Classification buckets the run for triage.
type Classification string

const (
	ClassActionable    Classification = "actionable"
	ClassNoisy         Classification = "noisy"
	ClassInformational Classification = "informational"
)

// EvidenceQuality grades how complete the gathered evidence is.
type EvidenceQuality string

const (
	QualityLow    EvidenceQuality = "low"
	QualityMedium EvidenceQuality = "medium"
	QualityHigh   EvidenceQuality = "high"
)

// Analysis is the derived portion of the SSOT: features folded from
// evidence, hypotheses proposed from features, and the scored verdict.
type Analysis struct {
	Features   Features           `json:"features"`
	Verdict    Verdict            `json:"verdict"`
	Scores     Scores             `json:"scores"`
	Hypotheses []Hypothesis       `json:"hypotheses,omitempty"`
	Change     *ChangeCorrelation `json:"change,omitempty"`
	Noise      *NoiseAssessment   `json:"noise,omitempty"`
	Capacity   *CapacityReport    `json:"capacity,omitempty"`
	RCA        *RCAResult         `json:"rca,omitempty"`
}

// Features is the compact record diagnostic modules reason over. Hypotheses
// use features only, never raw evidence, so the feature fold is the single
// place evidence shape knowledge lives.
type Features struct {
	WaitingReason     string          `json:"waiting_reason,omitempty"`
	RestartRateMax    float64         `json:"restart_rate_max,omitempty"`
	CrashDurationSecs float64         `json:"crash_duration_secs,omitempty"`
	ProbeFailure      string          `json:"probe_failure,omitempty"` // liveness | readiness
	CPUThrottleP95    float64         `json:"cpu_throttle_p95,omitempty"`
	CPUNearLimit      bool            `json:"cpu_near_limit,omitempty"`
	MemoryNearLimit   bool            `json:"memory_near_limit,omitempty"`
	OOMKilled         bool            `json:"oom_killed,omitempty"`
	OOMHint           string          `json:"oom_hint,omitempty"`
	HTTP5xxRateP95    float64         `json:"http_5xx_rate_p95,omitempty"`
	LogsStatus        string          `json:"logs_status,omitempty"`
	LogErrorCount     int             `json:"log_error_count,omitempty"`
	LogFatalCount     int             `json:"log_fatal_count,omitempty"`
	ImagePullBucket   string          `json:"image_pull_bucket,omitempty"`
	JobFailureReason  string          `json:"job_failure_reason,omitempty"`
	RolloutDegraded   bool            `json:"rollout_degraded,omitempty"`
	TargetsDown       int             `json:"targets_down,omitempty"`
	Quality           FeatureQuality  `json:"quality"`
	K8s               K8sFeatureRefs  `json:"k8s,omitempty"`
}

// K8sFeatureRefs carries evidence-key references so hypotheses and LLM
// prompts can cite where a feature came from (e.g.
// features.k8s.waiting_reason).
type K8sFeatureRefs struct {
	WaitingReason string `json:"waiting_reason,omitempty"`
	EventReason   string `json:"event_reason,omitempty"`
}

// FeatureQuality grades the evidence fold.
type FeatureQuality struct {
	EvidenceQuality    EvidenceQuality `json:"evidence_quality"`
	MissingInputs      []string        `json:"missing_inputs,omitempty"`
	ContradictionFlags []string        `json:"contradiction_flags,omitempty"`
}

// Hypothesis is one candidate explanation proposed by a diagnostic module.
// Confidence is clamped to [0,100].
type Hypothesis struct {
	HypothesisID   string   `json:"hypothesis_id"`
	Title          string   `json:"title"`
	Confidence     int      `json:"confidence_0_100"`
	Why            []string `json:"why,omitempty"`
	SupportingRefs []string `json:"supporting_refs,omitempty"`
	NextTests      []string `json:"next_tests,omitempty"`
}

// Verdict is the rendered conclusion of a run. Classification here is the
// single source of truth; Scores.Classification is a denormalized copy
// written at snapshot time.
type Verdict struct {
	Severity       string         `json:"severity"`
	Classification Classification `json:"classification"`
	PrimaryDriver  string         `json:"primary_driver,omitempty"`
	OneLiner       string         `json:"one_liner"`
	Family         string         `json:"family"`
	Next           []string       `json:"next,omitempty"`
}

// Scores are the numeric triage scores.
type Scores struct {
	ImpactScore     float64        `json:"impact_score"`
	ConfidenceScore float64        `json:"confidence_score"`
	NoiseScore      float64        `json:"noise_score"`
	Classification  Classification `json:"classification"`
}

// ChangeCorrelation links the incident to recent rollout/deploy activity.
type ChangeCorrelation struct {
	RecentRollout   bool   `json:"recent_rollout,omitempty"`
	RolloutAgeSecs  int64  `json:"rollout_age_secs,omitempty"`
	ImageChanged    bool   `json:"image_changed,omitempty"`
	CurrentImage    string `json:"current_image,omitempty"`
	Summary         string `json:"summary,omitempty"`
}

// NoiseAssessment estimates whether the alert is a known-noisy pattern.
type NoiseAssessment struct {
	FlappingSuspected bool   `json:"flapping_suspected,omitempty"`
	SimilarRecentRuns int    `json:"similar_recent_runs,omitempty"`
	Summary           string `json:"summary,omitempty"`
}

// CapacityReport is a best-effort read-only capacity summary.
type CapacityReport struct {
	CPUHeadroomPct    float64 `json:"cpu_headroom_pct,omitempty"`
	MemoryHeadroomPct float64 `json:"memory_headroom_pct,omitempty"`
	Summary           string  `json:"summary,omitempty"`
}

// RCAStatus is the terminal status of an RCA loop.
type RCAStatus string

const (
	RCAStatusOK          RCAStatus = "ok"
	RCAStatusUnknown     RCAStatus = "unknown"
	RCAStatusBlocked     RCAStatus = "blocked"
	RCAStatusUnavailable RCAStatus = "unavailable"
	RCAStatusError       RCAStatus = "error"
)

// RCAResult is the synthesized root-cause summary attached by the RCA graph.
type RCAResult struct {
	Status      RCAStatus `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	RootCause   string    `json:"root_cause,omitempty"`
	Confidence  float64   `json:"confidence_0_1,omitempty"`
	Evidence    []string  `json:"evidence,omitempty"`
	Remediation []string  `json:"remediation,omitempty"`
	Unknowns    []string  `json:"unknowns,omitempty"`
}

// ClampConfidence bounds a hypothesis confidence to [0,100].
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// TopConfidence returns the highest hypothesis confidence, or 0 when no
// hypothesis exists.
func (a Analysis) TopConfidence() int {
	top := 0
	for _, h := range a.Hypotheses {
		if h.Confidence > top {
			top = h.Confidence
		}
	}
	return top
}
