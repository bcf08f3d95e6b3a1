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

// Package tools is the single choke point for every tool call made by the
// RCA and chat graphs.
//
// The executor applies policy gates (feature flags, namespace/cluster
// allowlists), per-invocation budgets, duplicate-call suppression, circuit
// breaking per backend, and output redaction. Every call produces a uniform
// Event; errors carry stable codes so graph logic and tests can match them
// without string surgery.
package tools

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2s"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

var tracer = otel.Tracer("tarka/tools")

// Call is one requested tool invocation.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Result is the uniform tool outcome record.
type Result struct {
	OK              bool                    `json:"ok"`
	Result          json.RawMessage         `json:"result,omitempty"`
	Error           string                  `json:"error,omitempty"`
	UpdatedAnalysis *investigation.Snapshot `json:"updated_analysis,omitempty"`
}

// Outcome classifies an Event for spin-guard logic.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeEmpty            Outcome = "empty"
	OutcomeError            Outcome = "error"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
)

// Event is the per-call audit record, persisted with chat turns and embedded
// under meta.rca_tool_events.
type Event struct {
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args,omitempty"`
	Key      string         `json:"key"`
	Outcome  Outcome        `json:"outcome"`
	Result   Result         `json:"result"`
	Duration time.Duration  `json:"duration_ms"`
}

// ScopeMode distinguishes case-bound from inbox-wide invocations.
type ScopeMode string

const (
	ScopeCase   ScopeMode = "case"
	ScopeGlobal ScopeMode = "global"
)

// Scope carries the context a tool runs against.
type Scope struct {
	Mode     ScopeMode
	CaseID   string
	Snapshot *investigation.Snapshot
	// Investigation is set on the RCA path so rerun.investigation can
	// refresh the live record.
	Investigation *investigation.Investigation
}

// Handler executes one tool. A nil result with a nil error is an empty
// outcome. Handlers return updated snapshots via UpdatedResult.
type Handler func(ctx context.Context, scope *Scope, args Args) (any, error)

// UpdatedResult lets a handler return both a payload and a refreshed
// analysis snapshot.
type UpdatedResult struct {
	Payload  any
	Snapshot *investigation.Snapshot
}

type toolEntry struct {
	handler     Handler
	scope       ScopeMode // ScopeCase tools refuse global invocations
	description string
	category    string // circuit-breaker grouping
}

// Executor owns the tool registry and shared gates. It is safe for
// concurrent use; per-turn state lives in Invocation.
type Executor struct {
	policy   Policy
	redactor *Redactor
	handlers map[string]toolEntry
	breakers map[string]*gobreaker.CircuitBreaker
	logger   logr.Logger
}

// NewExecutor builds an executor with the given policy. Tool surfaces are
// attached via the Register* methods.
func NewExecutor(policy Policy, logger logr.Logger) *Executor {
	return &Executor{
		policy:   policy.Normalize(),
		redactor: NewRedactor(policy.RedactInfrastructure),
		handlers: map[string]toolEntry{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		logger:   logger.WithName("tools"),
	}
}

// Policy exposes the normalized policy for graph budget setup.
func (ex *Executor) Policy() Policy {
	return ex.policy
}

// Register adds a tool to the registry. The Register* surface methods are
// built on this; it is exported so deployments can attach extra tools.
func (ex *Executor) Register(id string, scope ScopeMode, category, description string, h Handler) {
	ex.register(id, scope, category, description, h)
}

func (ex *Executor) register(id string, scope ScopeMode, category, description string, h Handler) {
	ex.handlers[id] = toolEntry{handler: h, scope: scope, description: description, category: category}
	if _, ok := ex.breakers[category]; !ok {
		ex.breakers[category] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    category,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
}

// Catalog lists the registered tools available in a scope, with one-line
// descriptions, for planner prompts.
func (ex *Executor) Catalog(mode ScopeMode) map[string]string {
	out := map[string]string{}
	for id, entry := range ex.handlers {
		if entry.scope == ScopeCase && mode != ScopeCase {
			continue
		}
		if !ex.policy.toolEnabled(id) {
			continue
		}
		out[id] = entry.description
	}
	return out
}

// DedupeKey is the canonical duplicate-suppression key for a call:
// blake2s(tool + canonical JSON args), first 12 hex chars. encoding/json
// sorts map keys, making the args encoding canonical.
func DedupeKey(tool string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte("{}")
	}
	sum := blake2s.Sum256(append([]byte(tool), canonical...))
	return hex.EncodeToString(sum[:])[:12]
}

// Invocation is the per-turn execution context: one budget, one dedupe set,
// one event trail. Not safe for concurrent use.
type Invocation struct {
	ex        *Executor
	scope     *Scope
	remaining int
	seen      map[string]bool
	events    []Event
}

// NewInvocation opens a budgeted invocation for one RCA or chat turn.
func (ex *Executor) NewInvocation(scope *Scope) *Invocation {
	return &Invocation{
		ex:        ex,
		scope:     scope,
		remaining: ex.policy.MaxToolCalls,
		seen:      map[string]bool{},
	}
}

// Remaining reports the unspent tool-call budget.
func (inv *Invocation) Remaining() int {
	return inv.remaining
}

// Events returns the audit trail so far.
func (inv *Invocation) Events() []Event {
	return inv.events
}

// Execute runs one call through every gate. It never panics and never
// returns a Go error; failures land in Result.Error as stable codes.
func (inv *Invocation) Execute(ctx context.Context, call Call) Result {
	key := DedupeKey(call.Tool, call.Args)
	started := time.Now()

	ctx, span := tracer.Start(ctx, "tools.execute", trace.WithAttributes(
		attribute.String("tool", call.Tool),
		attribute.String("key", key),
	))
	defer span.End()

	finish := func(outcome Outcome, result Result) Result {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		inv.events = append(inv.events, Event{
			Tool:     call.Tool,
			Args:     call.Args,
			Key:      key,
			Outcome:  outcome,
			Result:   result,
			Duration: time.Since(started),
		})
		return result
	}

	if inv.remaining <= 0 {
		return finish(OutcomeError, Result{Error: "tool_budget_exhausted"})
	}
	inv.remaining--

	// An identical (tool, args) within one invocation is skipped; the
	// budget still decrements so a repeating planner runs out of rope.
	if inv.seen[key] {
		return finish(OutcomeSkippedDuplicate, Result{Error: "skipped_duplicate"})
	}
	inv.seen[key] = true

	entry, ok := inv.ex.handlers[call.Tool]
	if !ok {
		return finish(OutcomeError, Result{Error: "tool_missing"})
	}
	if !inv.ex.policy.toolEnabled(call.Tool) {
		return finish(OutcomeError, Result{Error: "tool_not_allowed"})
	}
	if entry.scope == ScopeCase {
		if inv.scope == nil || inv.scope.Mode != ScopeCase {
			return finish(OutcomeError, Result{Error: "case_id_required"})
		}
		if !inv.allowedTarget() {
			return finish(OutcomeError, Result{Error: "tool_not_allowed"})
		}
	}

	payload, err := inv.ex.runProtected(ctx, entry, inv.scope, call)
	if err != nil {
		code := classifyError(err)
		outcome := OutcomeError
		if code == "db_unavailable" || errors.Is(err, gobreaker.ErrOpenState) {
			outcome = OutcomeUnavailable
		}
		return finish(outcome, Result{Error: code})
	}

	var snapshot *investigation.Snapshot
	if updated, ok := payload.(UpdatedResult); ok {
		snapshot = updated.Snapshot
		payload = updated.Payload
	}
	if isEmptyPayload(payload) {
		return finish(OutcomeEmpty, Result{OK: true})
	}

	raw, err := inv.ex.encodeRedacted(payload)
	if err != nil {
		return finish(OutcomeError, Result{Error: classifyError(err)})
	}
	return finish(OutcomeOK, Result{OK: true, Result: raw, UpdatedAnalysis: snapshot})
}

func (inv *Invocation) allowedTarget() bool {
	if inv.scope.Snapshot == nil {
		return true
	}
	target := inv.scope.Snapshot.Target
	return inv.ex.policy.NamespaceAllowed(target.Namespace) &&
		inv.ex.policy.ClusterAllowed(target.Cluster)
}

// runProtected executes the handler under the category circuit breaker with
// panic containment.
func (ex *Executor) runProtected(ctx context.Context, entry toolEntry, scope *Scope, call Call) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = errors.Errorf("tool_exception:Panic:%v", r)
		}
	}()

	breaker := ex.breakers[entry.category]
	out, err := breaker.Execute(func() (any, error) {
		return entry.handler(ctx, scope, Args(call.Args))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// encodeRedacted marshals a payload and scrubs secrets from the JSON text.
func (ex *Executor) encodeRedacted(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode tool result")
	}
	redacted := ex.redactor.Redact(string(raw))
	if !json.Valid([]byte(redacted)) {
		// Redaction inside a JSON string cannot break validity; a failure
		// here means a replacement spanned structure. Fall back to a quoted
		// blob rather than leak the original.
		quoted, _ := json.Marshal(redacted)
		return quoted, nil
	}
	return json.RawMessage(redacted), nil
}

// stableCodes are passed through verbatim when a handler already returned
// one.
var stableCodes = []string{
	"tool_not_allowed", "tool_missing", "case_id_required",
	"postgres_not_configured", "db_unavailable", "time_window_required",
	"time_window_too_large", "reference_time_must_be_original_or_now",
	"skipped_duplicate", "missing_api_key", "provider_not_configured",
	"no_iam_role_annotation",
}

func classifyError(err error) string {
	msg := err.Error()
	for _, code := range stableCodes {
		if strings.HasPrefix(msg, code) {
			return code
		}
	}
	if strings.HasPrefix(msg, "tool_exception:") || strings.HasPrefix(msg, "model_not_found:") {
		return msg
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "tool_exception:Timeout:" + snippet(msg)
	case errors.Is(err, context.Canceled):
		return "tool_exception:Canceled:" + snippet(msg)
	case errors.Is(err, gobreaker.ErrOpenState):
		return "tool_exception:CircuitOpen:" + snippet(msg)
	}
	return "tool_exception:Error:" + snippet(msg)
}

func snippet(msg string) string {
	const maxLen = 120
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}

func isEmptyPayload(payload any) bool {
	if payload == nil {
		return true
	}
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Args wraps the loose tool arguments with typed accessors. Numbers arrive
// as float64 via JSON decoding.
type Args map[string]any

// String returns the string value of key, or empty.
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Int returns the integer value of key, or def.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// Bool returns the boolean value of key.
func (a Args) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}
