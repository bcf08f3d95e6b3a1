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

package console

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tarka-ai/tarka/pkg/chat"
	"github.com/tarka-ai/tarka/pkg/investigation"
	"github.com/tarka-ai/tarka/pkg/tools"
)

type chatRequest struct {
	Message  string `json:"message" validate:"required"`
	UserKey  string `json:"user_key" validate:"required"`
	Mode     string `json:"mode"`
	CaseID   string `json:"case_id"`
	ThreadID string `json:"thread_id"`
}

// handleCaseChatBlocking runs one blocking chat turn against a case and
// returns the full result as JSON. The SSE endpoints are preferred; this
// exists for scripted clients.
func (s *Server) handleCaseChatBlocking(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "provider_not_configured")
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	turn, ok := s.caseTurnRequest(w, r, chi.URLParam(r, "id"), req)
	if !ok {
		return
	}
	result, err := s.cfg.Engine.Turn(r.Context(), turn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleChatSend streams a turn whose mode comes from the request body.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	if req.Mode == string(tools.ScopeCase) {
		if req.CaseID == "" {
			writeError(w, http.StatusBadRequest, "case_id_required")
			return
		}
		s.streamCaseTurn(w, r, req.CaseID, req)
		return
	}
	s.streamTurn(w, r, chat.TurnRequest{
		ThreadID: chi.URLParam(r, "tid"),
		UserKey:  req.UserKey,
		Message:  req.Message,
		Mode:     tools.ScopeGlobal,
	})
}

// handleChatGlobal streams an inbox-wide turn.
func (s *Server) handleChatGlobal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	s.streamTurn(w, r, chat.TurnRequest{
		ThreadID: chi.URLParam(r, "tid"),
		UserKey:  req.UserKey,
		Message:  req.Message,
		Mode:     tools.ScopeGlobal,
	})
}

// handleChatCase streams a case-bound turn.
func (s *Server) handleChatCase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	s.streamCaseTurn(w, r, chi.URLParam(r, "cid"), req)
}

func (s *Server) streamCaseTurn(w http.ResponseWriter, r *http.Request, caseID string, req chatRequest) {
	turn, ok := s.caseTurnRequest(w, r, caseID, req)
	if !ok {
		return
	}
	turn.ThreadID = chi.URLParam(r, "tid")
	s.streamTurn(w, r, turn)
}

func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, turn chat.TurnRequest) {
	if s.cfg.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "provider_not_configured")
		return
	}
	writer := chat.NewSSEWriter(w)
	if err := s.cfg.Engine.Stream(r.Context(), turn, writer.Emit); err != nil {
		// Terminal error event already emitted on the stream.
		s.logger.V(1).Info("chat turn ended with error", "thread", turn.ThreadID, "error", err.Error())
	}
}

// caseTurnRequest loads the case's latest snapshot so the turn is grounded
// in persisted analysis.
func (s *Server) caseTurnRequest(w http.ResponseWriter, r *http.Request, caseID string, req chatRequest) (chat.TurnRequest, bool) {
	threadID := chi.URLParam(r, "tid")
	if threadID == "" {
		threadID = req.ThreadID
	}
	turn := chat.TurnRequest{
		ThreadID: threadID,
		UserKey:  req.UserKey,
		Message:  req.Message,
		Mode:     tools.ScopeCase,
		CaseID:   caseID,
	}
	if !s.requireIndex(w) {
		return turn, false
	}
	c, err := s.cfg.Index.GetCase(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return turn, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return turn, false
	}
	runs, err := s.cfg.Index.RunsForCase(r.Context(), caseID, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return turn, false
	}
	if len(runs) > 0 && len(runs[0].Snapshot) > 0 {
		snapshot, err := investigation.ParseSnapshot(runs[0].Snapshot)
		if err == nil {
			turn.Snapshot = &snapshot
		} else {
			s.logger.Error(err, "parse snapshot", "run_id", runs[0].RunID)
		}
	}
	return turn, true
}

// handleChatThread returns a thread's transcript with tool events inlined
// per assistant message.
func (s *Server) handleChatThread(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chats == nil {
		writeError(w, http.StatusServiceUnavailable, "postgres_not_configured")
		return
	}
	threadID := chi.URLParam(r, "tid")
	messages, err := s.cfg.Chats.Messages(r.Context(), threadID, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	type messageView struct {
		Message    any `json:"message"`
		ToolEvents any `json:"tool_events,omitempty"`
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		view := messageView{Message: m}
		if m.Role == "assistant" {
			if events, err := s.cfg.Chats.ToolEvents(r.Context(), m.MessageID); err == nil && len(events) > 0 {
				view.ToolEvents = events
			}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": views})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "content_required")
		return req, false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "content_required")
		return req, false
	}
	if req.UserKey == "" {
		writeError(w, http.StatusBadRequest, "user_key_required")
		return req, false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "content_required")
		return req, false
	}
	return req, true
}

// handleChatConfig reports the live tool policy plus the tool catalogs per
// mode, so the UI can grey out what the deployment has off.
func (s *Server) handleChatConfig(w http.ResponseWriter, r *http.Request) {
	policy := tools.DefaultPolicy()
	if s.cfg.Policy != nil {
		policy = s.cfg.Policy()
	}
	body := map[string]any{
		"enabled": s.cfg.Engine != nil,
		"policy":  policy,
	}
	writeJSON(w, http.StatusOK, body)
}

// handleActionsConfig reports whether the action subsystem is on.
func (s *Server) handleActionsConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.cfg.Gate != nil && s.cfg.Gate.Enabled(),
	})
}
