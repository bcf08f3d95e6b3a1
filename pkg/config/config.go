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

// Package config loads process configuration from the environment and keeps
// the tool policy hot-reloadable from an optional policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/tarka-ai/tarka/pkg/tools"
)

// Config is the full process configuration. One struct serves all three
// binaries; each reads the fields it needs.
type Config struct {
	// Core identity and ingest.
	ClusterName        string        `validate:"required"`
	TimeWindow         time.Duration `validate:"min=1m,max=24h"`
	AlertnameAllowlist []string

	// Redis queue.
	RedisAddr     string `validate:"required"`
	RedisPassword string
	WorkerCount   int `validate:"min=1,max=64"`

	// Postgres index. Empty DSN disables the index and memory features.
	PostgresDSN   string
	DBAutoMigrate bool
	MemoryEnabled bool

	// Object storage for reports.
	S3Bucket string
	S3Prefix string

	// Evidence backends.
	PrometheusURL      string
	AWSEvidenceEnabled bool
	AWSRegion          string

	// LLM provider.
	LLMProvider             string `validate:"omitempty,oneof=anthropic bedrock openai"`
	LLMModel                string
	LLMAPIKey               string
	LLMRedactInfrastructure bool

	// Chat surface.
	ChatEnabled bool
	ChatPolicy  tools.Policy
	PolicyFile  string
	SkillsFile  string

	// Actions.
	ActionsEnabled    bool
	ActionsPolicyFile string

	// Integrations.
	SlackToken    string
	SlackChannel  string
	GitHubToken   string
	GitHubOrg     string
	ArgoCDBaseURL string
	ArgoCDToken   string

	// Console.
	ConsoleListenAddr string
	ConsoleAuthToken  string
	// ConsoleUsers enables local login; parsed from CONSOLE_USERS as
	// comma-separated user:password pairs.
	ConsoleUsers map[string]string

	ReceiverListenAddr string
	WorkerListenAddr   string
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		ClusterName:        envStr("CLUSTER_NAME", ""),
		TimeWindow:         envDuration("TIME_WINDOW", time.Hour),
		AlertnameAllowlist: envCSV("ALERTNAME_ALLOWLIST"),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		WorkerCount:   envInt("WORKER_COUNT", 2),

		PostgresDSN:   postgresDSN(),
		DBAutoMigrate: envBool("DB_AUTO_MIGRATE", false),
		MemoryEnabled: envBool("MEMORY_ENABLED", false),

		S3Bucket: envStr("S3_BUCKET", ""),
		S3Prefix: envStr("S3_PREFIX", "tarka"),

		PrometheusURL:      envStr("PROMETHEUS_URL", ""),
		AWSEvidenceEnabled: envBool("AWS_EVIDENCE_ENABLED", false),
		AWSRegion:          envStr("AWS_REGION", ""),

		LLMProvider:             envStr("LLM_PROVIDER", ""),
		LLMModel:                envStr("LLM_MODEL", ""),
		LLMAPIKey:               envStr("LLM_API_KEY", ""),
		LLMRedactInfrastructure: envBool("LLM_REDACT_INFRASTRUCTURE", false),

		ChatEnabled: envBool("CHAT_ENABLED", true),
		ChatPolicy:  chatPolicyFromEnv(),
		PolicyFile:  envStr("CHAT_POLICY_FILE", ""),
		SkillsFile:  envStr("SKILLS_FILE", ""),

		ActionsEnabled:    envBool("ACTIONS_ENABLED", false),
		ActionsPolicyFile: envStr("ACTIONS_POLICY_FILE", ""),

		SlackToken:    envStr("SLACK_TOKEN", ""),
		SlackChannel:  envStr("SLACK_CHANNEL", ""),
		GitHubToken:   envStr("GITHUB_TOKEN", ""),
		GitHubOrg:     envStr("GITHUB_ORG", ""),
		ArgoCDBaseURL: envStr("ARGOCD_BASE_URL", ""),
		ArgoCDToken:   envStr("ARGOCD_TOKEN", ""),

		ConsoleListenAddr:  envStr("CONSOLE_LISTEN_ADDR", ":8081"),
		ConsoleAuthToken:   envStr("CONSOLE_AUTH_TOKEN", ""),
		ConsoleUsers:       envUserMap("CONSOLE_USERS"),
		ReceiverListenAddr: envStr("RECEIVER_LISTEN_ADDR", ":8080"),
		WorkerListenAddr:   envStr("WORKER_LISTEN_ADDR", ":8082"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

// chatPolicyFromEnv maps the CHAT_* variables onto a tool policy. Values are
// clamped by Normalize at executor construction.
func chatPolicyFromEnv() tools.Policy {
	return tools.Policy{
		MaxToolCalls:         envInt("CHAT_MAX_TOOL_CALLS", 10),
		MaxSteps:             envInt("CHAT_MAX_STEPS", 4),
		MaxTimeWindowSeconds: envInt("CHAT_MAX_TIME_WINDOW_SECONDS", 3600),
		MaxLogLines:          envInt("CHAT_MAX_LOG_LINES", 200),

		AWSEnabled:     envBool("CHAT_AWS_ENABLED", false),
		GitHubEnabled:  envBool("CHAT_GITHUB_ENABLED", false),
		ArgoCDEnabled:  envBool("CHAT_ARGOCD_ENABLED", false),
		MemoryEnabled:  envBool("CHAT_MEMORY_ENABLED", false),
		RerunEnabled:   envBool("CHAT_RERUN_ENABLED", true),
		ActionsEnabled: envBool("CHAT_ACTIONS_ENABLED", false),

		RedactInfrastructure: envBool("LLM_REDACT_INFRASTRUCTURE", false),

		NamespaceAllowlist: envCSV("CHAT_NAMESPACE_ALLOWLIST"),
		ClusterAllowlist:   envCSV("CHAT_CLUSTER_ALLOWLIST"),
	}
}

// postgresDSN assembles a DSN from POSTGRES_DSN or the POSTGRES_* parts.
// Empty host and DSN mean Postgres is not configured.
func postgresDSN() string {
	if dsn := envStr("POSTGRES_DSN", ""); dsn != "" {
		return dsn
	}
	host := envStr("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		envStr("POSTGRES_USER", "tarka"),
		envStr("POSTGRES_PASSWORD", ""),
		host,
		envInt("POSTGRES_PORT", 5432),
		envStr("POSTGRES_DB", "tarka"),
		envStr("POSTGRES_SSLMODE", "disable"),
	)
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		// Bare integers are seconds, matching Alertmanager conventions.
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// envUserMap parses "alice:pw1,bob:pw2" into a username->password map.
func envUserMap(key string) map[string]string {
	pairs := envCSV(key)
	if len(pairs) == 0 {
		return nil
	}
	users := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if colon := strings.IndexByte(pair, ':'); colon > 0 {
			users[pair[:colon]] = pair[colon+1:]
		}
	}
	return users
}

func envCSV(key string) []string {
	raw := envStr(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
