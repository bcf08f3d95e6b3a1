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
	"github.com/jmoiron/sqlx"
)

// ChatStore persists chat threads, messages, and tool events.
type ChatStore struct {
	db *sqlx.DB
}

// NewChatStore wires chat persistence over an open handle.
func NewChatStore(db *sqlx.DB) *ChatStore {
	return &ChatStore{db: db}
}

// EnsureThread returns the thread, creating it when absent. Mode is "case"
// (caseID set) or "global". A user owns at most one global thread and one
// thread per case, so an existing thread with the same identity is returned
// even when the caller minted a fresh thread_id.
func (s *ChatStore) EnsureThread(ctx context.Context, threadID, caseID, mode, userKey string) (*ChatThread, error) {
	if threadID == "" {
		return nil, errors.New("thread_id_required")
	}
	if userKey == "" {
		return nil, errors.New("user_key_required")
	}

	var thread ChatThread
	err := s.db.GetContext(ctx, &thread,
		`SELECT * FROM chat_threads WHERE thread_id = $1`, threadID)
	if err == nil {
		return &thread, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "get thread")
	}

	existing, err := s.threadByIdentity(ctx, mode, userKey, caseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// ON CONFLICT DO NOTHING covers both the thread_id PK and the
	// per-identity partial unique indexes under a concurrent first turn.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_threads (thread_id, case_id, mode, user_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT DO NOTHING`,
		threadID, nullable(caseID), mode, userKey)
	if err != nil {
		return nil, errors.Wrap(err, "create thread")
	}
	thread2, err := s.threadByIdentity(ctx, mode, userKey, caseID)
	if err != nil {
		return nil, err
	}
	if thread2 == nil {
		return nil, errors.New("thread_id_required")
	}
	return thread2, nil
}

func (s *ChatStore) threadByIdentity(ctx context.Context, mode, userKey, caseID string) (*ChatThread, error) {
	var thread ChatThread
	var err error
	if mode == "case" {
		err = s.db.GetContext(ctx, &thread,
			`SELECT * FROM chat_threads WHERE mode = 'case' AND user_key = $1 AND case_id = $2`,
			userKey, caseID)
	} else {
		err = s.db.GetContext(ctx, &thread,
			`SELECT * FROM chat_threads WHERE mode = 'global' AND user_key = $1`, userKey)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "thread by identity")
	}
	return &thread, nil
}

// AppendTurn persists one chat turn: the user message, then the assistant
// message, then the assistant's tool events. Both seq values are assigned
// under a SELECT ... FOR UPDATE on the thread row, so seq is strictly
// increasing and contiguous per thread even under concurrent turns.
func (s *ChatStore) AppendTurn(ctx context.Context, threadID, userContent, assistantContent string, events []ChatToolEvent) (userMsg, assistantMsg *ChatMessage, err error) {
	if userContent == "" {
		return nil, nil, errors.New("content_required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serializes seq assignment for this thread.
	var locked string
	if err := tx.GetContext(ctx, &locked,
		`SELECT thread_id FROM chat_threads WHERE thread_id = $1 FOR UPDATE`, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, errors.New("thread_id_required")
		}
		return nil, nil, errors.Wrap(err, "lock thread")
	}

	var maxSeq int64
	if err := tx.GetContext(ctx, &maxSeq,
		`SELECT coalesce(max(seq), 0) FROM chat_messages WHERE thread_id = $1`, threadID); err != nil {
		return nil, nil, errors.Wrap(err, "max seq")
	}

	userMsg, err = insertMessage(ctx, tx, threadID, maxSeq+1, "user", userContent)
	if err != nil {
		return nil, nil, err
	}
	assistantMsg, err = insertMessage(ctx, tx, threadID, maxSeq+2, "assistant", assistantContent)
	if err != nil {
		return nil, nil, err
	}

	for _, event := range events {
		event.EventID = uuid.NewString()
		event.MessageID = assistantMsg.MessageID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_tool_events
			   (event_id, message_id, tool_id, args, outcome, result, duration_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			event.EventID, event.MessageID, event.ToolID, event.ArgsJSON,
			event.Outcome, event.ResultJSON, event.DurationMS); err != nil {
			return nil, nil, errors.Wrap(err, "insert tool event")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_threads SET updated_at = now(), last_message_at = now()
		 WHERE thread_id = $1`, threadID); err != nil {
		return nil, nil, errors.Wrap(err, "touch thread")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "commit")
	}
	return userMsg, assistantMsg, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, threadID string, seq int64, role, content string) (*ChatMessage, error) {
	switch role {
	case "user", "assistant":
	default:
		return nil, errors.New("invalid_role")
	}
	msg := &ChatMessage{
		MessageID: uuid.NewString(),
		ThreadID:  threadID,
		Seq:       seq,
		Role:      role,
		Content:   content,
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (message_id, thread_id, seq, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		msg.MessageID, msg.ThreadID, msg.Seq, msg.Role, msg.Content)
	if err != nil {
		return msg, errors.Wrap(err, "insert message")
	}
	return msg, nil
}

// Messages returns a thread's messages in seq order.
func (s *ChatStore) Messages(ctx context.Context, threadID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []ChatMessage
	err := s.db.SelectContext(ctx, &messages,
		`SELECT * FROM chat_messages WHERE thread_id = $1 ORDER BY seq ASC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return messages, errors.Wrap(err, "list messages")
	}
	return messages, nil
}

// ToolEvents returns the tool events of one assistant message.
func (s *ChatStore) ToolEvents(ctx context.Context, messageID string) ([]ChatToolEvent, error) {
	var events []ChatToolEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM chat_tool_events WHERE message_id = $1 ORDER BY created_at ASC`,
		messageID)
	if err != nil {
		return events, errors.Wrap(err, "list tool events")
	}
	return events, nil
}
