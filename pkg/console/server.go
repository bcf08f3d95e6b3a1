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

// Package console is the authenticated read/chat API behind the UI: case
// listing and search, run detail, resolution and action lifecycle, and the
// SSE chat endpoints.
package console

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/tarka-ai/tarka/pkg/actions"
	"github.com/tarka-ai/tarka/pkg/chat"
	"github.com/tarka-ai/tarka/pkg/objstore"
	"github.com/tarka-ai/tarka/pkg/store"
	"github.com/tarka-ai/tarka/pkg/tools"
)

// Config wires the console's collaborators. Nil members disable their
// surface with a stable error rather than a panic.
type Config struct {
	Index   *store.Index
	Chats   *store.ChatStore
	Engine  *chat.Engine
	Gate    *actions.Gate
	Objects objstore.Store

	// Policy returns the live tool policy for the config readouts.
	Policy func() tools.Policy

	// MemoryEnabled gates the case-memory endpoint.
	MemoryEnabled bool

	// AuthToken authenticates API requests; Users optionally enables local
	// login that exchanges credentials for that token.
	AuthToken string
	Users     map[string]string

	Logger logr.Logger
}

// Server is the console HTTP API.
type Server struct {
	cfg    Config
	router chi.Router
	logger logr.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.WithName("console"),
		limiters: map[string]*rate.Limiter{},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Post("/api/v1/login", s.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/cases", s.handleListCases)
		r.Get("/cases/facets", s.handleCaseFacets)
		r.Get("/cases/{id}", s.handleGetCase)
		r.Get("/cases/{id}/memory", s.handleCaseMemory)
		r.Post("/cases/{id}/resolve", s.handleResolveCase)
		r.Post("/cases/{id}/reopen", s.handleReopenCase)
		r.Post("/cases/{id}/actions/{verb}", s.handleAction)
		r.Post("/cases/{id}/chat", s.handleCaseChatBlocking)

		r.Get("/investigation-runs/{id}", s.handleGetRun)
		r.Get("/investigation-runs/{id}/report", s.handleRunReport)

		r.Get("/chat/threads/{tid}", s.handleChatThread)
		r.Post("/chat/threads/{tid}/send", s.handleChatSend)
		r.Post("/chat/threads/{tid}/global", s.handleChatGlobal)
		r.Post("/chat/threads/{tid}/case/{cid}", s.handleChatCase)
		r.Get("/chat/config", s.handleChatConfig)
		r.Get("/actions/config", s.handleActionsConfig)
	})

	s.router = r
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// authenticate requires the bearer token on every API route.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			writeError(w, http.StatusServiceUnavailable, "unauthenticated")
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix ||
			header[len(prefix):] != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin exchanges local credentials for the API token. Attempts are
// rate limited per username so a stolen username cannot be brute-forced.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, "user_key_required")
		return
	}

	if !s.limiter(body.Username).Allow() {
		writeError(w, http.StatusTooManyRequests, "permission_denied")
		return
	}

	password, ok := s.cfg.Users[body.Username]
	if !ok || password == "" || password != body.Password {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.cfg.AuthToken})
}

// limiter returns the per-username login limiter: 5 attempts, refilling one
// per 12 seconds.
func (s *Server) limiter(username string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[username]
	if !ok {
		l = rate.NewLimiter(rate.Every(12*time.Second), 5)
		s.limiters[username] = l
	}
	return l
}

func (s *Server) requireIndex(w http.ResponseWriter) bool {
	if s.cfg.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "postgres_not_configured")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
