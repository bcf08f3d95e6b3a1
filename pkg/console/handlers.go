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
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tarka-ai/tarka/pkg/actions"
	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/store"
)

var validate = validator.New()

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	list, err := s.cfg.Index.ListCases(r.Context(), caseFilterFromQuery(r))
	if err != nil {
		s.logger.Error(err, "list cases")
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCaseFacets(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	teams, err := s.cfg.Index.CaseFacets(r.Context(), caseFilterFromQuery(r))
	if err != nil {
		s.logger.Error(err, "case facets")
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func caseFilterFromQuery(r *http.Request) store.CaseFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return store.CaseFilter{
		Status:         q.Get("status"),
		Query:          q.Get("q"),
		Service:        q.Get("service"),
		Classification: q.Get("classification"),
		Family:         q.Get("family"),
		Team:           q.Get("team"),
		Limit:          limit,
		Offset:         offset,
	}
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	caseID := chi.URLParam(r, "id")
	c, err := s.cfg.Index.GetCase(r.Context(), caseID)
	if err != nil {
		s.logger.Error(err, "get case", "case_id", caseID)
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	runs, err := s.cfg.Index.RunsForCase(r.Context(), caseID, 20)
	if err != nil {
		s.logger.Error(err, "runs for case", "case_id", caseID)
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	caseActions, err := s.cfg.Index.ActionsForCase(r.Context(), caseID)
	if err != nil {
		s.logger.Error(err, "actions for case", "case_id", caseID)
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case":    c,
		"runs":    runs,
		"actions": caseActions,
	})
}

// handleCaseMemory surfaces what the memory tools would see: similar recent
// runs and resolution summaries from closed cases of the same family.
func (s *Server) handleCaseMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	if !s.cfg.MemoryEnabled {
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":      false,
			"similar_runs": []store.Run{},
			"resolutions":  []store.Case{},
		})
		return
	}
	caseID := chi.URLParam(r, "id")
	c, err := s.cfg.Index.GetCase(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	target := identity.Target{
		Cluster:      c.Cluster.String,
		Namespace:    c.Namespace.String,
		WorkloadKind: c.WorkloadKind.String,
		WorkloadName: c.WorkloadName.String,
		Service:      c.Service.String,
	}
	family := identity.Family(c.Family.String)

	similar, err := s.cfg.Index.SimilarRuns(r.Context(), target, family, "", 10)
	if err != nil {
		s.logger.Error(err, "similar runs", "case_id", caseID)
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	resolutions, err := s.cfg.Index.ResolutionSkills(r.Context(), family, 5)
	if err != nil {
		s.logger.Error(err, "resolution skills", "case_id", caseID)
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      true,
		"similar_runs": similar,
		"resolutions":  resolutions,
	})
}

type resolveRequest struct {
	ResolutionCategory string `json:"resolution_category" validate:"required"`
	ResolutionSummary  string `json:"resolution_summary" validate:"required"`
	PostmortemLink     string `json:"postmortem_link"`
}

func (s *Server) handleResolveCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "resolution_category_required")
		return
	}
	if req.ResolutionCategory == "" {
		writeError(w, http.StatusBadRequest, "resolution_category_required")
		return
	}
	if req.ResolutionSummary == "" {
		writeError(w, http.StatusBadRequest, "resolution_summary_required")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "resolution_category_required")
		return
	}

	caseID := chi.URLParam(r, "id")
	if err := s.cfg.Index.ResolveCase(r.Context(), caseID, req.ResolutionCategory, req.ResolutionSummary, req.PostmortemLink); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"case_id": caseID, "status": "closed"})
}

func (s *Server) handleReopenCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	caseID := chi.URLParam(r, "id")
	if err := s.cfg.Index.ReopenCase(r.Context(), caseID); err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"case_id": caseID, "status": "open"})
}

type actionRequest struct {
	ActionID         string          `json:"action_id"`
	ActionType       string          `json:"action_type"`
	RunID            string          `json:"run_id"`
	HypothesisID     string          `json:"hypothesis_id"`
	Title            string          `json:"title"`
	Risk             string          `json:"risk"`
	Preconditions    json.RawMessage `json:"preconditions"`
	ExecutionPayload json.RawMessage `json:"execution_payload"`
	User             string          `json:"user" validate:"required"`
}

// handleAction runs one lifecycle verb through the policy gate and the
// store. Propose creates; approve/reject decide; execute acknowledges an
// approved action: the operator carries it out, Tarka records it.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	if s.cfg.Gate == nil || !s.cfg.Gate.Enabled() {
		writeError(w, http.StatusForbidden, "actions_disabled")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "user_key_required")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "user_key_required")
		return
	}

	caseID := chi.URLParam(r, "id")
	verb := chi.URLParam(r, "verb")
	switch verb {
	case "propose":
		s.proposeAction(w, r, caseID, req)
	case "approve", "reject":
		s.decideAction(w, r, verb, req)
	case "execute":
		s.executeAction(w, r, req)
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func (s *Server) proposeAction(w http.ResponseWriter, r *http.Request, caseID string, req actionRequest) {
	if req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}
	var payload map[string]any
	if len(req.ExecutionPayload) > 0 {
		if err := json.Unmarshal(req.ExecutionPayload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	decision, err := s.cfg.Gate.Evaluate(r.Context(), actions.Input{
		Verb:       "propose",
		ActionType: req.ActionType,
		User:       req.User,
		Params:     payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy_error")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, decision)
		return
	}
	action, err := s.cfg.Index.ProposeAction(r.Context(), store.ActionDraft{
		CaseID:           caseID,
		RunID:            req.RunID,
		HypothesisID:     req.HypothesisID,
		ActionType:       req.ActionType,
		Title:            req.Title,
		Risk:             req.Risk,
		Preconditions:    req.Preconditions,
		ExecutionPayload: req.ExecutionPayload,
		ProposedBy:       req.User,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (s *Server) decideAction(w http.ResponseWriter, r *http.Request, verb string, req actionRequest) {
	action, ok := s.loadAction(w, r, req.ActionID)
	if !ok {
		return
	}
	decision, err := s.cfg.Gate.Evaluate(r.Context(), actions.Input{
		Verb:       verb,
		ActionType: action.ActionType,
		User:       req.User,
		ProposedBy: action.ProposedBy,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy_error")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, decision)
		return
	}
	if err := s.cfg.Index.DecideAction(r.Context(), action.ActionID, verb == "approve", req.User); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	updated, _ := s.cfg.Index.GetAction(r.Context(), action.ActionID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request, req actionRequest) {
	action, ok := s.loadAction(w, r, req.ActionID)
	if !ok {
		return
	}
	decision, err := s.cfg.Gate.Evaluate(r.Context(), actions.Input{
		Verb:       "execute",
		ActionType: action.ActionType,
		User:       req.User,
		ProposedBy: action.ProposedBy,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy_error")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, decision)
		return
	}
	result := fmt.Sprintf("execution acknowledged by %s", req.User)
	if err := s.cfg.Index.RecordExecution(r.Context(), action.ActionID, req.User, result); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	updated, _ := s.cfg.Index.GetAction(r.Context(), action.ActionID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) loadAction(w http.ResponseWriter, r *http.Request, actionID string) (*store.Action, bool) {
	if actionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return nil, false
	}
	action, err := s.cfg.Index.GetAction(r.Context(), actionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return nil, false
	}
	if action == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return nil, false
	}
	return action, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	runID := chi.URLParam(r, "id")
	run, err := s.cfg.Index.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	body := map[string]any{"run": run}
	if len(run.Snapshot) > 0 {
		var snapshot json.RawMessage = run.Snapshot
		body["snapshot"] = snapshot
	}
	writeJSON(w, http.StatusOK, body)
}

// handleRunReport proxies the run's Markdown report out of object storage so
// the UI never needs bucket credentials.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	if s.cfg.Objects == nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	runID := chi.URLParam(r, "id")
	run, err := s.cfg.Index.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable")
		return
	}
	if run == nil || run.S3ReportKey == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	report, err := s.cfg.Objects.Get(r.Context(), run.S3ReportKey)
	if err != nil {
		s.logger.Error(err, "fetch report", "run_id", runID, "key", run.S3ReportKey)
		writeError(w, http.StatusBadGateway, "db_unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}
