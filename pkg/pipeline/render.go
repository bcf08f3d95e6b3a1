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
	"strings"

	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/investigation"
)

// DefaultSnippetCap bounds how many parsed log entries the report embeds.
const DefaultSnippetCap = 20

// RenderReport produces the Markdown investigation report. Snippet selection
// is deterministic (severity then recency), so the report never leads with
// startup banners.
func RenderReport(inv *investigation.Investigation, snippetCap int) string {
	if snippetCap <= 0 {
		snippetCap = DefaultSnippetCap
	}

	var b strings.Builder
	v := inv.Analysis.Verdict

	fmt.Fprintf(&b, "# %s - %s\n\n", inv.Alert.Name(), inv.Target.DisplayName())
	fmt.Fprintf(&b, "**%s** · severity %s · classification %s\n\n", v.OneLiner, v.Severity, v.Classification)

	renderTarget(&b, inv)
	renderScores(&b, inv)
	renderHypotheses(&b, inv)
	renderEvidence(&b, inv, snippetCap)
	renderSubRecords(&b, inv)
	renderErrors(&b, inv)

	return b.String()
}

func renderTarget(b *strings.Builder, inv *investigation.Investigation) {
	t := inv.Target
	b.WriteString("## Target\n\n")
	fmt.Fprintf(b, "| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(b, "| %s | `%s` |\n", k, v)
		}
	}
	row("Type", string(t.Type))
	row("Cluster", t.Cluster)
	row("Namespace", t.Namespace)
	row("Pod", t.Pod)
	row("Container", t.Container)
	if t.WorkloadName != "" {
		row("Workload", t.WorkloadKind+"/"+t.WorkloadName)
	}
	row("Service", t.Service)
	fmt.Fprintf(b, "| Window | %s to %s |\n\n",
		inv.TimeWindow.StartTime.UTC().Format("2006-01-02 15:04:05"),
		inv.TimeWindow.EndTime.UTC().Format("2006-01-02 15:04:05"))
}

func renderScores(b *strings.Builder, inv *investigation.Investigation) {
	s := inv.Analysis.Scores
	q := inv.Analysis.Features.Quality
	b.WriteString("## Scores\n\n")
	fmt.Fprintf(b, "- impact: %.0f\n- confidence: %.0f\n- noise: %.0f\n- evidence quality: %s\n",
		s.ImpactScore, s.ConfidenceScore, s.NoiseScore, q.EvidenceQuality)
	if len(q.MissingInputs) > 0 {
		fmt.Fprintf(b, "- missing inputs: %s\n", strings.Join(q.MissingInputs, ", "))
	}
	if len(q.ContradictionFlags) > 0 {
		fmt.Fprintf(b, "- contradictions: %s\n", strings.Join(q.ContradictionFlags, ", "))
	}
	b.WriteString("\n")
}

func renderHypotheses(b *strings.Builder, inv *investigation.Investigation) {
	if len(inv.Analysis.Hypotheses) == 0 {
		return
	}
	b.WriteString("## Hypotheses\n\n")
	for _, h := range inv.Analysis.Hypotheses {
		fmt.Fprintf(b, "### %s (%d/100)\n\n", h.Title, h.Confidence)
		for _, why := range h.Why {
			fmt.Fprintf(b, "- %s\n", why)
		}
		if len(h.NextTests) > 0 {
			b.WriteString("\nNext:\n")
			for _, next := range h.NextTests {
				fmt.Fprintf(b, "- %s\n", next)
			}
		}
		b.WriteString("\n")
	}
}

func renderEvidence(b *strings.Builder, inv *investigation.Investigation, snippetCap int) {
	b.WriteString("## Evidence\n\n")

	if k8s := inv.Evidence.K8s; k8s != nil {
		if k8s.PodInfo != nil {
			fmt.Fprintf(b, "- pod phase: %s\n", k8s.PodInfo.Phase)
			for _, cs := range k8s.PodInfo.ContainerStatuses {
				if cs.WaitingReason != "" {
					fmt.Fprintf(b, "- container `%s` waiting: %s\n", cs.Name, cs.WaitingReason)
				}
				if cs.RestartCount > 0 {
					fmt.Fprintf(b, "- container `%s` restarts: %d\n", cs.Name, cs.RestartCount)
				}
			}
		}
		if js := k8s.JobStatus; js != nil {
			fmt.Fprintf(b, "- job: %d active, %d succeeded, %d failed", js.Active, js.Succeeded, js.Failed)
			if js.FailureReason != "" {
				fmt.Fprintf(b, " (%s)", js.FailureReason)
			}
			b.WriteString("\n")
		}
		if rs := k8s.RolloutStatus; rs != nil {
			fmt.Fprintf(b, "- rollout %s/%s: %d/%d ready\n", rs.Kind, rs.Name, rs.ReadyReplicas, rs.DesiredReplicas)
		}
		if pull := k8s.ImagePull; pull != nil {
			fmt.Fprintf(b, "- image pull failure (%s): %s\n", pull.ErrorBucket, pull.Message)
		}
		for _, e := range warningEvents(k8s.Events, 5) {
			fmt.Fprintf(b, "- event %s: %s\n", e.Reason, truncateLine(e.Message, 160))
		}
	}

	if aws := inv.Evidence.AWS; aws != nil {
		if aws.S3Bucket != nil {
			fmt.Fprintf(b, "- s3 bucket `%s`: exists=%t region=%s\n", aws.S3Bucket.Bucket, aws.S3Bucket.Exists, aws.S3Bucket.Region)
		}
		if aws.IRSAMissing {
			b.WriteString("- service account has no IRSA role annotation\n")
		}
	}

	if logs := inv.Evidence.Logs; logs != nil && logs.Parsed != nil {
		snippets := collectors.SelectSnippets(logs.Parsed, snippetCap)
		if len(snippets) > 0 {
			fmt.Fprintf(b, "\n### Log snippets (%s)\n\n```\n", logs.Parsed.Status)
			for _, s := range snippets {
				fmt.Fprintf(b, "[%s] %s\n", strings.ToUpper(s.Severity), s.Message)
			}
			b.WriteString("```\n")
		}
	}
	b.WriteString("\n")
}

func renderSubRecords(b *strings.Builder, inv *investigation.Investigation) {
	if c := inv.Analysis.Change; c != nil && c.Summary != "" {
		fmt.Fprintf(b, "## Change correlation\n\n%s\n\n", c.Summary)
	}
	if n := inv.Analysis.Noise; n != nil && n.Summary != "" {
		fmt.Fprintf(b, "## Noise\n\n%s\n\n", n.Summary)
	}
	if cap := inv.Analysis.Capacity; cap != nil && cap.Summary != "" {
		fmt.Fprintf(b, "## Capacity\n\n%s\n\n", cap.Summary)
	}
	if rca := inv.Analysis.RCA; rca != nil && rca.Summary != "" {
		fmt.Fprintf(b, "## Root cause\n\n%s\n\n", rca.Summary)
	}
}

func renderErrors(b *strings.Builder, inv *investigation.Investigation) {
	if len(inv.Errors) == 0 {
		return
	}
	b.WriteString("## Collection errors\n\n")
	for _, e := range inv.Errors {
		fmt.Fprintf(b, "- %s\n", e)
	}
	b.WriteString("\n")
}

func warningEvents(events []investigation.Event, max int) []investigation.Event {
	var out []investigation.Event
	for _, e := range events {
		if e.Type == "Warning" || e.Reason == "BackoffLimitExceeded" || e.Reason == "DeadlineExceeded" {
			out = append(out, e)
			if len(out) == max {
				break
			}
		}
	}
	return out
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
