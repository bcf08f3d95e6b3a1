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

// tarka-worker drains the investigation queue: collectors, pipeline, report
// writer, case index, and the optional RCA pass.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tarka-ai/tarka/pkg/cloud"
	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/config"
	"github.com/tarka-ai/tarka/pkg/kube"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/logsrc"
	"github.com/tarka-ai/tarka/pkg/notify"
	"github.com/tarka-ai/tarka/pkg/objstore"
	"github.com/tarka-ai/tarka/pkg/pipeline"
	"github.com/tarka-ai/tarka/pkg/promql"
	"github.com/tarka-ai/tarka/pkg/queue"
	"github.com/tarka-ai/tarka/pkg/rca"
	"github.com/tarka-ai/tarka/pkg/store"
	"github.com/tarka-ai/tarka/pkg/tools"
	"github.com/tarka-ai/tarka/pkg/worker"
)

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog).WithName("tarka-worker")

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

	objects, err := buildObjectStore(ctx, cfg, logger)
	if err != nil {
		logger.Error(err, "object storage unavailable")
		os.Exit(1)
	}

	var index *store.Index
	if cfg.PostgresDSN != "" {
		db, err := store.Connect(ctx, store.ConnectConfig{
			DSN:         cfg.PostgresDSN,
			AutoMigrate: cfg.DBAutoMigrate,
		}, logger)
		if err != nil {
			logger.Error(err, "postgres unavailable")
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		index = store.NewIndex(db, logger)
	}

	deps := collectors.Deps{Logger: logger}
	kubeClient, err := kube.Shared(logger)
	if err != nil {
		// Runs without cluster evidence rather than not at all.
		logger.Error(err, "kubernetes client unavailable, cluster evidence disabled")
	} else {
		deps.Kube = kubeClient
		deps.Logs = logsrc.NewK8sBackend(kubeClient)
	}
	if cfg.PrometheusURL != "" {
		prom, err := promql.New(cfg.PrometheusURL, logger)
		if err != nil {
			logger.Error(err, "prometheus client unavailable", "url", cfg.PrometheusURL)
		} else {
			deps.Prom = prom
		}
	}

	var inspector *cloud.Inspector
	if cfg.AWSEvidenceEnabled {
		inspector, err = cloud.NewInspector(ctx, cfg.AWSRegion, logger)
		if err != nil {
			logger.Error(err, "aws inspector unavailable, cloud evidence disabled")
		} else {
			deps.AWS = inspector
		}
	}

	p := pipeline.New(deps, cfg.ClusterName, logger)

	var rcaRunner worker.RCARunner
	if cfg.LLMProvider != "" {
		client, err := llm.New(ctx, llm.Config{
			Provider: cfg.LLMProvider,
			Model:    cfg.LLMModel,
			APIKey:   cfg.LLMAPIKey,
			Region:   cfg.AWSRegion,
		}, logger)
		if err != nil {
			logger.Error(err, "llm provider unavailable, rca disabled")
		} else {
			executor := buildExecutor(ctx, cfg, deps, p, index, inspector, logger)
			rcaRunner = rca.New(client, executor, logger)
		}
	}

	wcfg := worker.Config{
		Queue:       q,
		Pipeline:    p,
		Writer:      store.NewReportWriter(objects, logger),
		Index:       index,
		RCA:         rcaRunner,
		ClusterName: cfg.ClusterName,
		Consumers:   cfg.WorkerCount,
	}
	if slackNotifier := notify.NewSlack(cfg.SlackToken, cfg.SlackChannel, logger); slackNotifier != nil {
		wcfg.Notifier = slackNotifier
	}
	w := worker.New(wcfg, logger)

	go serveOps(ctx, cfg.WorkerListenAddr, logger)

	logger.Info("worker running",
		"consumers", cfg.WorkerCount,
		"cluster", cfg.ClusterName,
		"rca", rcaRunner != nil,
		"index", index != nil)
	if err := w.Run(ctx); err != nil {
		logger.Error(err, "worker failed")
		os.Exit(1)
	}
}

func buildObjectStore(ctx context.Context, cfg *config.Config, logger logr.Logger) (objstore.Store, error) {
	if cfg.S3Bucket == "" {
		logger.Info("S3_BUCKET not set, using in-memory object store")
		return objstore.NewMemory(), nil
	}
	return objstore.SharedS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
}

// buildExecutor wires the tool registry the RCA graph plans against. The
// worker uses the same policy file as the console so one document governs
// both surfaces.
func buildExecutor(ctx context.Context, cfg *config.Config, deps collectors.Deps, p *pipeline.Pipeline, index *store.Index, inspector *cloud.Inspector, logger logr.Logger) *tools.Executor {
	policy := cfg.ChatPolicy
	if watcher, err := config.NewPolicyWatcher(ctx, cfg.PolicyFile, cfg.ChatPolicy, logger); err != nil {
		logger.Error(err, "policy file unavailable, using environment policy")
	} else {
		policy = watcher.Policy()
	}

	executor := tools.NewExecutor(policy, logger)
	caseDeps := tools.CaseDeps{
		Kube:     deps.Kube,
		Prom:     deps.Prom,
		Logs:     deps.Logs,
		Pipeline: p,
		Index:    index,
		Skills:   loadSkills(cfg.SkillsFile, logger),
	}
	if cfg.ArgoCDBaseURL != "" {
		caseDeps.ArgoCD = tools.NewArgoCDClient(cfg.ArgoCDBaseURL, cfg.ArgoCDToken)
	}
	executor.RegisterCaseTools(caseDeps)
	if index != nil {
		executor.RegisterGlobalTools(index)
	}
	if inspector != nil {
		executor.RegisterAWSTools(inspector, deps.Kube)
	}
	if cfg.GitHubToken != "" {
		executor.RegisterGitHubTools(tools.NewGitHubClient(cfg.GitHubToken, cfg.GitHubOrg, nil))
	}
	return executor
}

// loadSkills reads the curated skills file, if one is configured. A broken
// skills file costs the playbooks, not the process.
func loadSkills(path string, logger logr.Logger) *tools.SkillsLibrary {
	if path == "" {
		return nil
	}
	skills, err := tools.LoadSkills(path)
	if err != nil {
		logger.Error(err, "skills file unavailable, playbooks disabled", "path", path)
		return nil
	}
	logger.Info("skills library loaded", "path", path, "skills", skills.Len())
	return skills
}

// serveOps exposes health and Prometheus metrics.
func serveOps(ctx context.Context, addr string, logger logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "ops endpoint failed", "addr", addr)
	}
}
