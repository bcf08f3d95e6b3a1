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

package pipeline

import (
	"fmt"
	"sort"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// Score computes the numeric triage scores and renders the verdict from
// features and hypotheses. Deterministic: the same analysis always scores
// the same way.
func Score(inv *investigation.Investigation) {
	f := inv.Analysis.Features

	impact := impactScore(inv.Family, f)
	confidence := float64(inv.Analysis.TopConfidence())
	noise := noiseScore(inv, f)

	classification := classify(inv.Family, impact, confidence, noise)

	inv.Analysis.Scores = investigation.Scores{
		ImpactScore:     impact,
		ConfidenceScore: confidence,
		NoiseScore:      noise,
		Classification:  classification,
	}
	inv.Analysis.Verdict = renderVerdict(inv, classification)
}

func impactScore(family identity.Family, f investigation.Features) float64 {
	score := 0.0

	switch family {
	case identity.FamilyCrashloop, identity.FamilyOOMKilled, identity.FamilyJobFailed:
		score = 50
	case identity.FamilyHTTP5xx, identity.FamilyTargetDown, identity.FamilyRolloutHealth:
		score = 40
	case identity.FamilyPodNotHealthy, identity.FamilyMemoryPressure, identity.FamilyCPUThrottling:
		score = 30
	case identity.FamilyMeta:
		return 0
	default:
		score = 20
	}

	if f.RestartRateMax > 0 {
		score += 15
	}
	if f.HTTP5xxRateP95 > 0 {
		score += 15
	}
	if f.TargetsDown > 0 {
		score += 10
	}
	if f.RolloutDegraded {
		score += 10
	}
	if f.OOMKilled || f.LogsStatus == "fatal_found" {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}

func noiseScore(inv *investigation.Investigation, f investigation.Features) float64 {
	score := 0.0

	if !inv.Alert.Firing() {
		score += 40
	}
	if inv.Family == identity.FamilyMeta {
		score += 60
	}
	if f.Quality.EvidenceQuality == investigation.QualityLow {
		score += 25
	}
	if len(f.Quality.ContradictionFlags) > 0 {
		score += 15
	}
	if len(inv.Analysis.Hypotheses) == 0 {
		score += 20
	}
	if noise := inv.Analysis.Noise; noise != nil && noise.FlappingSuspected {
		score += 20
	}

	if score > 100 {
		score = 100
	}
	return score
}

func classify(family identity.Family, impact, confidence, noise float64) investigation.Classification {
	switch {
	case family == identity.FamilyMeta:
		return investigation.ClassInformational
	case noise >= 60:
		return investigation.ClassNoisy
	case confidence >= 50 && impact >= 40:
		return investigation.ClassActionable
	default:
		return investigation.ClassInformational
	}
}

func renderVerdict(inv *investigation.Investigation, classification investigation.Classification) investigation.Verdict {
	severity := inv.Alert.Labels["severity"]
	if severity == "" {
		severity = "warning"
	}

	v := investigation.Verdict{
		Severity:       severity,
		Classification: classification,
		Family:         string(inv.Family),
	}

	if top := topHypothesis(inv.Analysis.Hypotheses); top != nil {
		v.PrimaryDriver = top.HypothesisID
		v.OneLiner = fmt.Sprintf("%s: %s (confidence %d)", inv.Target.DisplayName(), top.Title, top.Confidence)
		v.Next = top.NextTests
	} else {
		v.OneLiner = fmt.Sprintf("%s: no dominant cause identified for %s", inv.Target.DisplayName(), inv.Family)
	}
	return v
}

// topHypothesis picks the highest-confidence hypothesis, breaking ties by
// hypothesis ID so the verdict is stable.
func topHypothesis(hypotheses []investigation.Hypothesis) *investigation.Hypothesis {
	if len(hypotheses) == 0 {
		return nil
	}
	sorted := make([]investigation.Hypothesis, len(hypotheses))
	copy(sorted, hypotheses)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].HypothesisID < sorted[j].HypothesisID
	})
	return &sorted[0]
}
