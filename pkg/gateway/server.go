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

// Package gateway is the webhook receiver: it accepts Alertmanager payloads,
// drops what should not be investigated, and enqueues the rest. It never
// blocks on an investigation; returning 202 fast keeps Alertmanager from
// timing out and re-sending.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarka-ai/tarka/pkg/alert"
)

var (
	alertsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tarka_gateway_alerts_received_total",
		Help: "Alerts seen across all webhook payloads.",
	})
	alertsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tarka_gateway_alerts_enqueued_total",
		Help: "Alerts successfully enqueued for investigation.",
	})
	alertsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tarka_gateway_alerts_skipped_total",
		Help: "Alerts dropped before enqueue, by reason.",
	}, []string{"reason"})
	payloadsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tarka_gateway_payloads_rejected_total",
		Help: "Webhook payloads rejected as malformed.",
	})
)

// Server is the receiver's HTTP surface.
type Server struct {
	ingestor *Ingestor
	logger   logr.Logger
	router   chi.Router
}

// NewServer builds the receiver router. It pings the queue and fails fast
// when unreachable: the receiver must not accept traffic it cannot durably
// queue.
func NewServer(ctx context.Context, ingestor *Ingestor, logger logr.Logger) (*Server, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ingestor.queue.Ping(pingCtx); err != nil {
		return nil, errors.Wrap(err, "queue unreachable")
	}

	s := &Server{ingestor: ingestor, logger: logger.WithName("gateway")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/alerts", s.handleAlerts)

	s.router = r
	return s, nil
}

// Handler exposes the router for http.Server wiring and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var payload alert.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		payloadsRejected.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "malformed payload",
		})
		return
	}

	counts := s.ingestor.Ingest(r.Context(), payload)

	alertsReceived.Add(float64(counts.Received))
	alertsEnqueued.Add(float64(counts.Enqueued))
	alertsSkipped.WithLabelValues("resolved").Add(float64(counts.SkippedResolved))
	alertsSkipped.WithLabelValues("allowlist").Add(float64(counts.SkippedAllowlist))
	alertsSkipped.WithLabelValues("duplicate").Add(float64(counts.SkippedDuplicate))

	writeJSON(w, http.StatusAccepted, counts)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
