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

package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"

	"github.com/tarka-ai/tarka/pkg/tools"
)

var _ = Describe("Load", func() {
	BeforeEach(func() {
		GinkgoT().Setenv("CLUSTER_NAME", "prod-east")
		GinkgoT().Setenv("REDIS_ADDR", "redis:6379")
	})

	It("loads defaults with the required identity set", func() {
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.ClusterName).To(Equal("prod-east"))
		Expect(cfg.TimeWindow).To(Equal(time.Hour))
		Expect(cfg.WorkerCount).To(Equal(2))
		Expect(cfg.ChatEnabled).To(BeTrue())
		Expect(cfg.PostgresDSN).To(BeEmpty())
	})

	It("rejects a missing cluster name", func() {
		GinkgoT().Setenv("CLUSTER_NAME", "")
		_, err := Load()
		Expect(err).To(HaveOccurred())
	})

	It("parses TIME_WINDOW as duration or bare seconds", func() {
		GinkgoT().Setenv("TIME_WINDOW", "30m")
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.TimeWindow).To(Equal(30 * time.Minute))

		GinkgoT().Setenv("TIME_WINDOW", "900")
		cfg, err = Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.TimeWindow).To(Equal(15 * time.Minute))
	})

	It("splits allowlists on commas and trims blanks", func() {
		GinkgoT().Setenv("ALERTNAME_ALLOWLIST", "CrashLoopBackOff, KubeJobFailed ,,")
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.AlertnameAllowlist).To(Equal([]string{"CrashLoopBackOff", "KubeJobFailed"}))
	})

	It("assembles the Postgres DSN from parts", func() {
		GinkgoT().Setenv("POSTGRES_HOST", "db.internal")
		GinkgoT().Setenv("POSTGRES_USER", "tarka")
		GinkgoT().Setenv("POSTGRES_PASSWORD", "pw")
		GinkgoT().Setenv("POSTGRES_DB", "cases")
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.PostgresDSN).To(Equal("postgres://tarka:pw@db.internal:5432/cases?sslmode=disable"))
	})

	It("parses CONSOLE_USERS into a credential map", func() {
		GinkgoT().Setenv("CONSOLE_USERS", "alice:pw1, bob:pw2,broken")
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.ConsoleUsers).To(Equal(map[string]string{
			"alice": "pw1",
			"bob":   "pw2",
		}))
	})

	It("maps CHAT_* variables onto the tool policy", func() {
		GinkgoT().Setenv("CHAT_MAX_TOOL_CALLS", "15")
		GinkgoT().Setenv("CHAT_AWS_ENABLED", "true")
		GinkgoT().Setenv("CHAT_NAMESPACE_ALLOWLIST", "payments,shop")
		cfg, err := Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.ChatPolicy.MaxToolCalls).To(Equal(15))
		Expect(cfg.ChatPolicy.AWSEnabled).To(BeTrue())
		Expect(cfg.ChatPolicy.NamespaceAllowlist).To(Equal([]string{"payments", "shop"}))
	})
})

var _ = Describe("PolicyWatcher", func() {
	It("serves the baseline without a file", func() {
		baseline := tools.DefaultPolicy()
		baseline.AWSEnabled = true
		w, err := NewPolicyWatcher(context.Background(), "", baseline, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Policy().AWSEnabled).To(BeTrue())
	})

	It("loads the file and reloads on write", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "policy.json")
		Expect(os.WriteFile(path, []byte(`{"max_tool_calls": 5}`), 0o600)).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w, err := NewPolicyWatcher(ctx, path, tools.DefaultPolicy(), logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Policy().MaxToolCalls).To(Equal(5))

		Expect(os.WriteFile(path, []byte(`{"max_tool_calls": 7, "aws_enabled": true}`), 0o600)).To(Succeed())
		Eventually(func() int {
			return w.Policy().MaxToolCalls
		}).WithTimeout(2 * time.Second).Should(Equal(7))
		Expect(w.Policy().AWSEnabled).To(BeTrue())
	})

	It("loads YAML policy files by extension", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "policy.yaml")
		doc := "max_tool_calls: 6\nmemory_enabled: true\nnamespace_allowlist:\n  - payments\n"
		Expect(os.WriteFile(path, []byte(doc), 0o600)).To(Succeed())

		w, err := NewPolicyWatcher(context.Background(), path, tools.DefaultPolicy(), logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Policy().MaxToolCalls).To(Equal(6))
		Expect(w.Policy().MemoryEnabled).To(BeTrue())
		Expect(w.Policy().NamespaceAllowlist).To(Equal([]string{"payments"}))
	})

	It("rejects an unreadable policy file", func() {
		_, err := NewPolicyWatcher(context.Background(), "/does/not/exist.json", tools.DefaultPolicy(), logr.Discard())
		Expect(err).To(HaveOccurred())
	})
})
