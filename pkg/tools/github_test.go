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

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
)

var _ = Describe("github.recent_commits", func() {
	var (
		srv      *httptest.Server
		requests int
		sinces   []string
		body     string
	)

	newGitHubExecutor := func() *Executor {
		gh := &GitHubClient{
			client:     srv.Client(),
			api:        srv.URL,
			defaultOrg: "acme",
			now:        func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
		}
		policy := DefaultPolicy()
		policy.GitHubEnabled = true
		ex := NewExecutor(policy, logr.Discard())
		ex.RegisterGitHubTools(gh)
		return ex
	}

	BeforeEach(func() {
		requests = 0
		sinces = nil
		body = `[]`
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			sinces = append(sinces, r.URL.Query().Get("since"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}))
	})

	AfterEach(func() {
		srv.Close()
	})

	It("widens an empty default window once to 24h", func() {
		ex := newGitHubExecutor()
		inv := ex.NewInvocation(caseScope("payments"))

		res := inv.Execute(context.Background(), Call{
			Tool: "github.recent_commits",
			Args: map[string]any{"repo": "acme/api"},
		})

		Expect(res.OK).To(BeTrue())
		Expect(requests).To(Equal(2))
		var payload struct {
			WindowHours   int  `json:"window_hours"`
			WindowWidened bool `json:"window_widened"`
		}
		Expect(json.Unmarshal(res.Result, &payload)).To(Succeed())
		Expect(payload.WindowWidened).To(BeTrue())
		Expect(payload.WindowHours).To(Equal(24))
	})

	It("keeps an explicit since window even when it is empty", func() {
		ex := newGitHubExecutor()
		inv := ex.NewInvocation(caseScope("payments"))

		res := inv.Execute(context.Background(), Call{
			Tool: "github.recent_commits",
			Args: map[string]any{"repo": "acme/api", "since": "2026-08-23T12:00:00Z"},
		})

		Expect(res.OK).To(BeTrue())
		Expect(requests).To(Equal(1), "an explicit since must never trigger the widening retry")
		Expect(sinces).To(ConsistOf("2026-08-23T12:00:00Z"))
		var payload struct {
			WindowWidened bool `json:"window_widened"`
		}
		Expect(json.Unmarshal(res.Result, &payload)).To(Succeed())
		Expect(payload.WindowWidened).To(BeFalse())
	})

	It("rejects a since value that is not RFC3339", func() {
		ex := newGitHubExecutor()
		inv := ex.NewInvocation(caseScope("payments"))

		res := inv.Execute(context.Background(), Call{
			Tool: "github.recent_commits",
			Args: map[string]any{"repo": "acme/api", "since": "yesterday"},
		})

		Expect(res.OK).To(BeFalse())
		Expect(res.Error).To(ContainSubstring("tool_exception:BadArgs"))
		Expect(requests).To(BeZero())
	})
})
