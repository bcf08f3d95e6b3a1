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

package store

import (
	"database/sql"
	"time"
)

// CaseStatus is the case lifecycle state.
type CaseStatus string

const (
	CaseOpen   CaseStatus = "open"
	CaseClosed CaseStatus = "closed"
)

// Case is one row of the cases table. A case_key maps to at most one open
// case at any time.
type Case struct {
	CaseID             string         `db:"case_id" json:"case_id"`
	CaseKey            string         `db:"case_key" json:"case_key"`
	Status             CaseStatus     `db:"status" json:"status"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
	ResolvedAt         sql.NullTime   `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionCategory sql.NullString `db:"resolution_category" json:"resolution_category,omitempty"`
	ResolutionSummary  sql.NullString `db:"resolution_summary" json:"resolution_summary,omitempty"`
	PostmortemLink     sql.NullString `db:"postmortem_link" json:"postmortem_link,omitempty"`
	Cluster            sql.NullString `db:"cluster" json:"cluster,omitempty"`
	TargetType         sql.NullString `db:"target_type" json:"target_type,omitempty"`
	Namespace          sql.NullString `db:"namespace" json:"namespace,omitempty"`
	WorkloadKind       sql.NullString `db:"workload_kind" json:"workload_kind,omitempty"`
	WorkloadName       sql.NullString `db:"workload_name" json:"workload_name,omitempty"`
	Service            sql.NullString `db:"service" json:"service,omitempty"`
	Instance           sql.NullString `db:"instance" json:"instance,omitempty"`
	Team               sql.NullString `db:"team" json:"team,omitempty"`
	Family             sql.NullString `db:"family" json:"family,omitempty"`
	PrimaryDriver      sql.NullString `db:"primary_driver" json:"primary_driver,omitempty"`
	LatestOneLiner     sql.NullString `db:"latest_one_liner" json:"latest_one_liner,omitempty"`
	S3ReportKey        sql.NullString `db:"s3_report_key" json:"s3_report_key,omitempty"`
	S3InvestigationKey sql.NullString `db:"s3_investigation_key" json:"s3_investigation_key,omitempty"`
}

// Run is one row of investigation_runs: the snapshot plus denormalized
// fields for indexing. Every run belongs to exactly one case.
type Run struct {
	RunID          string         `db:"run_id" json:"run_id"`
	CaseID         string         `db:"case_id" json:"case_id"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	Fingerprint    string         `db:"fingerprint" json:"fingerprint"`
	Alertname      string         `db:"alertname" json:"alertname"`
	Family         string         `db:"family" json:"family"`
	Cluster        sql.NullString `db:"cluster" json:"cluster,omitempty"`
	Namespace      sql.NullString `db:"namespace" json:"namespace,omitempty"`
	WorkloadKind   sql.NullString `db:"workload_kind" json:"workload_kind,omitempty"`
	WorkloadName   sql.NullString `db:"workload_name" json:"workload_name,omitempty"`
	Service        sql.NullString `db:"service" json:"service,omitempty"`
	Pod            sql.NullString `db:"pod" json:"pod,omitempty"`
	Classification string         `db:"classification" json:"classification"`
	PrimaryDriver  sql.NullString `db:"primary_driver" json:"primary_driver,omitempty"`
	OneLiner       string         `db:"one_liner" json:"one_liner"`
	Snapshot       []byte         `db:"snapshot" json:"snapshot,omitempty"`
	S3ReportKey    string         `db:"s3_report_key" json:"s3_report_key"`
	S3EvidenceKey  string         `db:"s3_evidence_key" json:"s3_evidence_key"`
}

// ActionStatus is a case action's lifecycle state.
type ActionStatus string

const (
	ActionProposed ActionStatus = "proposed"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
)

// Action is one row of case_actions. Approval and execution stamp who did
// what, when; the proposer never changes after insert.
type Action struct {
	ActionID         string         `db:"action_id" json:"action_id"`
	CaseID           string         `db:"case_id" json:"case_id"`
	RunID            sql.NullString `db:"run_id" json:"run_id,omitempty"`
	HypothesisID     sql.NullString `db:"hypothesis_id" json:"hypothesis_id,omitempty"`
	ActionType       string         `db:"action_type" json:"action_type"`
	Title            string         `db:"title" json:"title"`
	Risk             sql.NullString `db:"risk" json:"risk,omitempty"`
	Preconditions    []byte         `db:"preconditions" json:"preconditions,omitempty"`
	ExecutionPayload []byte         `db:"execution_payload" json:"execution_payload,omitempty"`
	Status           ActionStatus   `db:"status" json:"status"`
	ProposedBy       string         `db:"proposed_by" json:"proposed_by"`
	ApprovedAt       sql.NullTime   `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy       sql.NullString `db:"approved_by" json:"approved_by,omitempty"`
	ExecutedAt       sql.NullTime   `db:"executed_at" json:"executed_at,omitempty"`
	ExecutedBy       sql.NullString `db:"executed_by" json:"executed_by,omitempty"`
	Result           sql.NullString `db:"result" json:"result,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ChatThread is one row of chat_threads. A user has at most one global
// thread and at most one thread per case; EnsureThread resolves by that
// identity, not just by thread_id.
type ChatThread struct {
	ThreadID      string         `db:"thread_id" json:"thread_id"`
	CaseID        sql.NullString `db:"case_id" json:"case_id,omitempty"`
	Mode          string         `db:"mode" json:"mode"` // case | global
	UserKey       string         `db:"user_key" json:"user_key"`
	Title         sql.NullString `db:"title" json:"title,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	LastMessageAt sql.NullTime   `db:"last_message_at" json:"last_message_at,omitempty"`
}

// ChatMessage is one row of chat_messages. Seq is strictly increasing and
// contiguous within a thread, assigned under a row lock.
type ChatMessage struct {
	MessageID string    `db:"message_id" json:"message_id"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	Seq       int64     `db:"seq" json:"seq"`
	Role      string    `db:"role" json:"role"` // user | assistant
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ChatToolEvent is one row of chat_tool_events, keyed to the assistant
// message whose turn produced it.
type ChatToolEvent struct {
	EventID    string    `db:"event_id" json:"event_id"`
	MessageID  string    `db:"message_id" json:"message_id"`
	ToolID     string    `db:"tool_id" json:"tool_id"`
	ArgsJSON   []byte    `db:"args" json:"args,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	ResultJSON []byte    `db:"result" json:"result,omitempty"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
