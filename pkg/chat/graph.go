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

// Package chat serves interactive turns against a case's analysis snapshot
// (case mode) or the whole inbox (global mode).
//
// Each turn runs deterministic fast paths first, then the llm -> (tools ->
// llm)* loop under the same budgets and dedupe as the RCA graph, streaming
// SSE events throughout. Persistence happens once per turn, after the reply
// is complete.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/store"
	"github.com/tarka-ai/tarka/pkg/tools"
)

const chatPlanPrompt = "tarka.tool_plan.v1"

// Engine runs chat turns. Safe for concurrent use; per-turn state is local.
type Engine struct {
	client   llm.Client
	executor *tools.Executor
	chats    *store.ChatStore
	index    *store.Index
	logger   logr.Logger
}

// New builds a chat engine. chats and index may be nil (no persistence, no
// global fast paths); client may be nil (fast paths only).
func New(client llm.Client, executor *tools.Executor, chats *store.ChatStore, index *store.Index, logger logr.Logger) *Engine {
	return &Engine{
		client:   client,
		executor: executor,
		chats:    chats,
		index:    index,
		logger:   logger.WithName("chat"),
	}
}

// TurnRequest is one user message bound to a thread.
type TurnRequest struct {
	ThreadID string
	UserKey  string
	Message  string
	Mode     tools.ScopeMode
	CaseID   string
	// Snapshot is the case's persisted analysis, required in case mode.
	Snapshot *investigation.Snapshot
}

// TurnResult is the blocking-call view of a completed turn.
type TurnResult struct {
	Reply           string                  `json:"reply"`
	ToolEvents      []tools.Event           `json:"tool_events,omitempty"`
	UpdatedAnalysis *investigation.Snapshot `json:"updated_analysis,omitempty"`
}

// Turn runs one blocking chat turn, discarding stream events.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return e.stream(ctx, req, func(string, any) {})
}

// Stream runs one chat turn, emitting SSE events as it goes. The terminal
// event is either done or error.
func (e *Engine) Stream(ctx context.Context, req TurnRequest, emit Emitter) error {
	_, err := e.stream(ctx, req, emit)
	return err
}

func (e *Engine) stream(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		emit(EventError, map[string]string{"error": "content_required"})
		return nil, errors.New("content_required")
	}

	emit(EventInit, map[string]string{
		"thread_id": req.ThreadID,
		"mode":      string(req.Mode),
	})

	if reply := e.fastPath(ctx, req); reply != nil {
		emit(EventToken, map[string]string{"text": reply.Text})
		result := &TurnResult{Reply: reply.Text, ToolEvents: reply.Events}
		e.persist(ctx, req, result)
		emit(EventDone, doneEvent(result))
		return result, nil
	}

	if e.client == nil {
		emit(EventError, map[string]string{"error": "provider_not_configured"})
		return nil, errors.New("provider_not_configured")
	}

	result, err := e.modelTurn(ctx, req, emit)
	if err != nil {
		emit(EventError, map[string]string{"error": snippet(err.Error())})
		return nil, err
	}
	e.persist(ctx, req, result)
	emit(EventDone, doneEvent(result))
	return result, nil
}

// modelTurn is the llm -> (tools -> llm)* loop.
func (e *Engine) modelTurn(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error) {
	scope := &tools.Scope{Mode: req.Mode, CaseID: req.CaseID, Snapshot: req.Snapshot}
	invocation := e.executor.NewInvocation(scope)
	policy := e.executor.Policy()

	var updated *investigation.Snapshot
	failFast := false

	for step := 0; step < policy.MaxSteps && invocation.Remaining() > 0 && !failFast; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		calls, thinking, err := e.planRound(ctx, req, invocation.Events())
		if err != nil {
			return nil, err
		}
		if thinking != "" {
			emit(EventThinking, map[string]string{"text": thinking})
		}
		if len(calls) == 0 {
			break
		}
		emit(EventPlanning, map[string]any{"calls": calls})

		roundOK := 0
		for _, call := range calls {
			emit(EventToolStart, map[string]string{
				"tool":    call.Tool,
				"message": toolStartMessage(call.Tool),
			})
			res := invocation.Execute(ctx, tools.Call{Tool: call.Tool, Args: call.Args})
			if res.OK {
				roundOK++
			}
			if res.UpdatedAnalysis != nil {
				updated = res.UpdatedAnalysis
				scope.Snapshot = updated
				req.Snapshot = updated
			}
			emit(EventToolEnd, map[string]any{
				"tool":    call.Tool,
				"outcome": lastOutcome(invocation),
				"error":   res.Error,
			})
		}

		// Fail-fast: a round where nothing succeeded gets one final model
		// turn to explain, never a pivot to unrelated tools.
		if roundOK == 0 {
			failFast = true
		}
	}

	reply, err := e.respond(ctx, req, invocation.Events(), emit)
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		Reply:           reply,
		ToolEvents:      invocation.Events(),
		UpdatedAnalysis: updated,
	}, nil
}

// planRound asks the model for the next tool calls.
func (e *Engine) planRound(ctx context.Context, req TurnRequest, history []tools.Event) ([]tools.Call, string, error) {
	var reply struct {
		Thinking string `json:"thinking"`
		Calls    []struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		} `json:"calls"`
	}
	err := e.client.GenerateStructured(ctx, llm.Request{
		System:   e.planSystem(req),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: e.planUser(req, history)}},
	}, &reply)
	if err != nil {
		return nil, "", errors.Wrap(err, "chat plan")
	}

	calls := make([]tools.Call, 0, len(reply.Calls))
	for _, c := range reply.Calls {
		calls = append(calls, tools.Call{Tool: c.Tool, Args: c.Args})
	}
	if len(calls) > 3 {
		calls = calls[:3]
	}
	return calls, reply.Thinking, nil
}

func (e *Engine) planSystem(req TurnRequest) string {
	catalog := e.executor.Catalog(req.Mode)
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("You plan tool calls for an on-call assistant answering a user question.\n")
	b.WriteString("PROMPT_ID: " + chatPlanPrompt + "\n")
	b.WriteString(`Reply with one JSON object: {"thinking": "...", "calls": [{"tool": "...", "args": {...}}]}.
Use at most 3 calls; an empty list means you can answer from what you have.
Never repeat a (tool, key) pair from TOOL_HISTORY. Never invent tools or facts.
ALLOWED_TOOLS:
`)
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, catalog[id])
	}
	return b.String()
}

func (e *Engine) planUser(req TurnRequest, history []tools.Event) string {
	var b strings.Builder
	b.WriteString("USER_MESSAGE: " + req.Message + "\n\nTOOL_HISTORY:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ev := range history {
		fmt.Fprintf(&b, "- (%s, %s) outcome=%s", ev.Tool, ev.Key, ev.Outcome)
		if ev.Result.Error != "" {
			b.WriteString(" error=" + ev.Result.Error)
		}
		b.WriteString("\n")
	}
	if req.Snapshot != nil {
		b.WriteString("\nANALYSIS_SNAPSHOT:\n")
		raw, err := json.Marshal(req.Snapshot)
		if err == nil {
			b.Write(raw)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// respond streams the final reply, forwarding native thinking segments.
func (e *Engine) respond(ctx context.Context, req TurnRequest, history []tools.Event, emit Emitter) (string, error) {
	var b strings.Builder
	b.WriteString("Answer the user's question grounded in the tool results and snapshot below.\n")
	b.WriteString("Cite evidence keys where relevant. If every tool failed, explain the failure\n")
	b.WriteString("plainly and suggest what the user can check; do not speculate.\n\n")
	b.WriteString(e.planUser(req, history))
	for _, ev := range history {
		if len(ev.Result.Result) > 0 {
			fmt.Fprintf(&b, "\nRESULT %s: %s\n", ev.Tool, truncate(string(ev.Result.Result), 2000))
		}
	}

	reply, err := e.client.StreamTokens(ctx, llm.Request{
		System:   "You are a concise, grounded on-call assistant.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	}, func(ev llm.StreamEvent) {
		switch ev.Type {
		case llm.StreamThinking:
			emit(EventThinking, map[string]string{"text": ev.Text})
		default:
			emit(EventToken, map[string]string{"text": ev.Text})
		}
	})
	if err != nil {
		return "", errors.Wrap(err, "chat respond")
	}
	return reply, nil
}

// persist appends the turn; failures are logged, never surfaced, so a DB
// wobble does not eat an already-streamed reply.
func (e *Engine) persist(ctx context.Context, req TurnRequest, result *TurnResult) {
	if e.chats == nil || req.ThreadID == "" {
		return
	}
	// EnsureThread may hand back the user's existing thread for this
	// identity; the turn belongs to that thread, not the requested id.
	thread, err := e.chats.EnsureThread(ctx, req.ThreadID, req.CaseID, string(req.Mode), req.UserKey)
	if err != nil {
		e.logger.Error(err, "ensure thread", "thread", req.ThreadID)
		return
	}
	events := make([]store.ChatToolEvent, 0, len(result.ToolEvents))
	for _, ev := range result.ToolEvents {
		args, _ := json.Marshal(ev.Args)
		events = append(events, store.ChatToolEvent{
			ToolID:     ev.Tool,
			ArgsJSON:   args,
			Outcome:    string(ev.Outcome),
			ResultJSON: ev.Result.Result,
			DurationMS: ev.Duration.Milliseconds(),
		})
	}
	if _, _, err := e.chats.AppendTurn(ctx, thread.ThreadID, req.Message, result.Reply, events); err != nil {
		e.logger.Error(err, "append turn", "thread", thread.ThreadID)
	}
}

func doneEvent(result *TurnResult) map[string]any {
	done := map[string]any{"tool_events": result.ToolEvents}
	if result.UpdatedAnalysis != nil {
		done["updated_analysis"] = result.UpdatedAnalysis
	}
	return done
}

// toolStartMessages are the user-facing progress lines per tool id.
var toolStartMessages = map[string]string{
	"promql.instant":           "Querying metrics...",
	"k8s.pod_context":          "Reading pod state...",
	"k8s.rollout_status":       "Checking rollout status...",
	"k8s.events":               "Listing recent events...",
	"logs.tail":                "Reading recent logs...",
	"memory.similar_cases":     "Looking for similar past cases...",
	"memory.skills":            "Recalling how similar cases were resolved...",
	"rerun.investigation":      "Re-running the investigation...",
	"argocd.app_status":        "Checking ArgoCD sync status...",
	"github.recent_commits":    "Checking recent commits...",
	"github.workflow_runs":     "Checking CI runs...",
	"aws.s3_bucket_location":   "Verifying the S3 bucket...",
	"aws.iam_role_permissions": "Checking IAM role permissions...",
	"cases.count":              "Counting cases...",
	"cases.top":                "Ranking teams...",
	"cases.lookup":             "Searching cases...",
	"cases.summary":            "Fetching the case...",
}

func toolStartMessage(tool string) string {
	if msg, ok := toolStartMessages[tool]; ok {
		return msg
	}
	return "Running " + tool + "..."
}

func lastOutcome(inv *tools.Invocation) string {
	events := inv.Events()
	if len(events) == 0 {
		return ""
	}
	return string(events[len(events)-1].Outcome)
}

func jsonUnmarshal(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, out)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}

func snippet(msg string) string {
	const maxLen = 160
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
