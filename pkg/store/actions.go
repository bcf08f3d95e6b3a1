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
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ActionDraft is the input to ProposeAction. RunID, HypothesisID, and Risk
// are optional; Title falls back to the action type.
type ActionDraft struct {
	CaseID           string
	RunID            string
	HypothesisID     string
	ActionType       string
	Title            string
	Risk             string
	Preconditions    []byte
	ExecutionPayload []byte
	ProposedBy       string
}

// ProposeAction records a proposed remediation action against a case.
func (ix *Index) ProposeAction(ctx context.Context, draft ActionDraft) (*Action, error) {
	if draft.CaseID == "" {
		return nil, errors.New("case_id_required")
	}
	title := draft.Title
	if title == "" {
		title = draft.ActionType
	}
	action := &Action{
		ActionID:         uuid.NewString(),
		CaseID:           draft.CaseID,
		RunID:            nullable(draft.RunID),
		HypothesisID:     nullable(draft.HypothesisID),
		ActionType:       draft.ActionType,
		Title:            title,
		Risk:             nullable(draft.Risk),
		Preconditions:    draft.Preconditions,
		ExecutionPayload: draft.ExecutionPayload,
		Status:           ActionProposed,
		ProposedBy:       draft.ProposedBy,
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO case_actions
		   (action_id, case_id, run_id, hypothesis_id, action_type, title, risk,
		    preconditions, execution_payload, status, proposed_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		action.ActionID, action.CaseID, action.RunID, action.HypothesisID,
		action.ActionType, action.Title, action.Risk, action.Preconditions,
		action.ExecutionPayload, action.Status, action.ProposedBy)
	if err != nil {
		return nil, errors.Wrap(err, "propose action")
	}
	return action, nil
}

// DecideAction moves a proposed action to approved or rejected. Approval
// stamps who approved and when.
func (ix *Index) DecideAction(ctx context.Context, actionID string, approve bool, decidedBy string) error {
	var result sql.Result
	var err error
	if approve {
		result, err = ix.db.ExecContext(ctx,
			`UPDATE case_actions SET status = 'approved', approved_by = $2, approved_at = now(), updated_at = now()
			 WHERE action_id = $1 AND status = 'proposed'`,
			actionID, decidedBy)
	} else {
		result, err = ix.db.ExecContext(ctx,
			`UPDATE case_actions SET status = 'rejected', updated_at = now()
			 WHERE action_id = $1 AND status = 'proposed'`,
			actionID)
	}
	if err != nil {
		return errors.Wrap(err, "decide action")
	}
	return requireRow(result, "invalid_status")
}

// RecordExecution marks an approved action executed, stamping the operator
// who carried it out and their acknowledgement.
func (ix *Index) RecordExecution(ctx context.Context, actionID, executedBy, executionResult string) error {
	result, err := ix.db.ExecContext(ctx,
		`UPDATE case_actions SET status = 'executed', executed_by = $2, executed_at = now(), result = $3, updated_at = now()
		 WHERE action_id = $1 AND status = 'approved'`,
		actionID, executedBy, executionResult)
	if err != nil {
		return errors.Wrap(err, "record execution")
	}
	return requireRow(result, "invalid_status")
}

// GetAction fetches one action row.
func (ix *Index) GetAction(ctx context.Context, actionID string) (*Action, error) {
	var a Action
	err := ix.db.GetContext(ctx, &a, `SELECT * FROM case_actions WHERE action_id = $1`, actionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get action")
	}
	return &a, nil
}

// ActionsForCase lists a case's actions, newest first.
func (ix *Index) ActionsForCase(ctx context.Context, caseID string) ([]Action, error) {
	var actions []Action
	err := ix.db.SelectContext(ctx, &actions,
		`SELECT * FROM case_actions WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return actions, errors.Wrap(err, "list actions")
	}
	return actions, nil
}

func requireRow(result sql.Result, code string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.New(code)
	}
	return nil
}
