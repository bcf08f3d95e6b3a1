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

// tarka-receiver is the Alertmanager webhook endpoint: it validates and
// deduplicates incoming alerts and enqueues investigation jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tarka-ai/tarka/pkg/config"
	"github.com/tarka-ai/tarka/pkg/gateway"
	"github.com/tarka-ai/tarka/pkg/queue"
)

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog).WithName("tarka-receiver")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.NewRedis(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}), logger)

	ingestor := gateway.NewIngestor(q, cfg.ClusterName, cfg.AlertnameAllowlist, cfg.TimeWindow, logger)
	server, err := gateway.NewServer(ctx, ingestor, logger)
	if err != nil {
		logger.Error(err, "build receiver")
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.ReceiverListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("receiver listening", "addr", cfg.ReceiverListenAddr, "cluster", cfg.ClusterName)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "receiver failed")
		os.Exit(1)
	}
}
