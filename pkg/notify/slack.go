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

// Package notify posts investigation outcomes to Slack. Best-effort: a
// failed post is logged and dropped, never retried, never fatal to a run.
package notify

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// Notifier is the outbound notification surface consumed by the worker.
type Notifier interface {
	RunCompleted(ctx context.Context, caseID string, inv *investigation.Investigation) error
	CaseResolved(ctx context.Context, caseID, category, summary string) error
}

// SlackNotifier posts to one channel via the Slack Web API.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  logr.Logger
}

// NewSlack builds a notifier. Returns nil when token or channel is empty so
// callers can treat Slack as optional.
func NewSlack(token, channel string, logger logr.Logger) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		logger:  logger.WithName("slack"),
	}
}

var severityColors = map[string]string{
	"critical": "#d62728",
	"high":     "#ff7f0e",
	"medium":   "#ffbf00",
	"low":      "#2ca02c",
}

// RunCompleted posts a run summary with verdict and top hypotheses.
func (n *SlackNotifier) RunCompleted(ctx context.Context, caseID string, inv *investigation.Investigation) error {
	verdict := inv.Analysis.Verdict

	color, ok := severityColors[verdict.Severity]
	if !ok {
		color = "#808080"
	}

	text := fmt.Sprintf("*%s*: %s", inv.Target.DisplayName(), verdict.OneLiner)
	fields := []slack.AttachmentField{
		{Title: "Family", Value: string(inv.Family), Short: true},
		{Title: "Severity", Value: verdict.Severity, Short: true},
		{Title: "Classification", Value: string(verdict.Classification), Short: true},
	}
	if caseID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Case", Value: caseID, Short: true})
	}
	if rca := inv.Analysis.RCA; rca != nil && rca.RootCause != "" {
		fields = append(fields, slack.AttachmentField{Title: "Root cause", Value: rca.RootCause})
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{Color: color, Fields: fields}),
	)
	if err != nil {
		return errors.Wrap(err, "post run notification")
	}
	return nil
}

// CaseResolved posts a resolution note.
func (n *SlackNotifier) CaseResolved(ctx context.Context, caseID, category, summary string) error {
	text := fmt.Sprintf("Case %s resolved (%s): %s", caseID, category, summary)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return errors.Wrap(err, "post resolution notification")
	}
	return nil
}
