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

// tarka-console serves the authenticated API behind the UI: case browsing,
// run reports, the action lifecycle, and chat.
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
	"go.uber.org/zap"

	"github.com/tarka-ai/tarka/pkg/actions"
	"github.com/tarka-ai/tarka/pkg/chat"
	"github.com/tarka-ai/tarka/pkg/cloud"
	"github.com/tarka-ai/tarka/pkg/collectors"
	"github.com/tarka-ai/tarka/pkg/config"
	"github.com/tarka-ai/tarka/pkg/console"
	"github.com/tarka-ai/tarka/pkg/kube"
	"github.com/tarka-ai/tarka/pkg/llm"
	"github.com/tarka-ai/tarka/pkg/logsrc"
	"github.com/tarka-ai/tarka/pkg/objstore"
	"github.com/tarka-ai/tarka/pkg/pipeline"
	"github.com/tarka-ai/tarka/pkg/promql"
	"github.com/tarka-ai/tarka/pkg/store"
	"github.com/tarka-ai/tarka/pkg/tools"
)

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog).WithName("tarka-console")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "load configuration")
		os.Exit(1)
	}
	if cfg.ConsoleAuthToken == "" {
		logger.Info("CONSOLE_AUTH_TOKEN is not set; all API requests will be refused")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		index *store.Index
		chats *store.ChatStore
	)
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
		chats = store.NewChatStore(db)
	}

	var objects objstore.Store
	if cfg.S3Bucket != "" {
		objects, err = objstore.SharedS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			logger.Error(err, "object storage unavailable, report endpoint disabled")
			objects = nil
		}
	}

	watcher, err := config.NewPolicyWatcher(ctx, cfg.PolicyFile, cfg.ChatPolicy, logger)
	if err != nil {
		logger.Error(err, "policy file unavailable, using environment policy")
		watcher, _ = config.NewPolicyWatcher(ctx, "", cfg.ChatPolicy, logger)
	}

	var engine *chat.Engine
	if cfg.ChatEnabled {
		engine = buildChatEngine(ctx, cfg, watcher.Policy(), index, chats, logger)
	}

	gate, err := actions.NewGate(ctx, readPolicyFile(cfg.ActionsPolicyFile, logger), cfg.ActionsEnabled, logger)
	if err != nil {
		logger.Error(err, "action policy invalid")
		os.Exit(1)
	}

	server := console.NewServer(console.Config{
		Index:         index,
		Chats:         chats,
		Engine:        engine,
		Gate:          gate,
		Objects:       objects,
		Policy:        watcher.Policy,
		MemoryEnabled: cfg.MemoryEnabled,
		AuthToken:     cfg.ConsoleAuthToken,
		Users:         cfg.ConsoleUsers,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ConsoleListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("console listening",
		"addr", cfg.ConsoleListenAddr,
		"chat", engine != nil,
		"actions", gate.Enabled(),
		"index", index != nil)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "console failed")
		os.Exit(1)
	}
}

// buildChatEngine assembles the tool registry and model client for chat.
// Every backend is optional; what is missing narrows the catalog instead of
// failing startup.
func buildChatEngine(ctx context.Context, cfg *config.Config, policy tools.Policy, index *store.Index, chats *store.ChatStore, logger logr.Logger) *chat.Engine {
	deps := collectors.Deps{Logger: logger}
	kubeClient, err := kube.Shared(logger)
	if err != nil {
		logger.Error(err, "kubernetes client unavailable, cluster tools disabled")
	} else {
		deps.Kube = kubeClient
		deps.Logs = logsrc.NewK8sBackend(kubeClient)
	}
	if cfg.PrometheusURL != "" {
		if prom, err := promql.New(cfg.PrometheusURL, logger); err == nil {
			deps.Prom = prom
		}
	}

	executor := tools.NewExecutor(policy, logger)
	caseDeps := tools.CaseDeps{
		Kube:     deps.Kube,
		Prom:     deps.Prom,
		Logs:     deps.Logs,
		Pipeline: pipeline.New(deps, cfg.ClusterName, logger),
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
	if policy.AWSEnabled {
		if inspector, err := cloud.NewInspector(ctx, cfg.AWSRegion, logger); err == nil {
			executor.RegisterAWSTools(inspector, deps.Kube)
		} else {
			logger.Error(err, "aws inspector unavailable, aws tools disabled")
		}
	}
	if cfg.GitHubToken != "" {
		executor.RegisterGitHubTools(tools.NewGitHubClient(cfg.GitHubToken, cfg.GitHubOrg, nil))
	}

	var client llm.Client
	if cfg.LLMProvider != "" {
		client, err = llm.New(ctx, llm.Config{
			Provider: cfg.LLMProvider,
			Model:    cfg.LLMModel,
			APIKey:   cfg.LLMAPIKey,
			Region:   cfg.AWSRegion,
		}, logger)
		if err != nil {
			logger.Error(err, "llm provider unavailable, chat limited to fast paths")
			client = nil
		}
	}
	return chat.New(client, executor, chats, index, logger)
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

// readPolicyFile returns the Rego document at path, or empty for the
// built-in default policy.
func readPolicyFile(path string, logger logr.Logger) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error(err, "action policy file unreadable, using default policy", "path", path)
		return ""
	}
	return string(raw)
}
