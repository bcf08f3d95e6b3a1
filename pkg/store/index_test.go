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

package store_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tarka-ai/tarka/pkg/identity"
	"github.com/tarka-ai/tarka/pkg/store"
)

func newMockIndex() (*store.Index, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	Expect(err).ToNot(HaveOccurred())
	return store.NewIndex(sqlx.NewDb(db, "pgx"), logr.Discard()), mock
}

var _ = Describe("Index.IncidentizeRun", func() {
	run := store.Run{
		Fingerprint:    "fp-1",
		Alertname:      "KubePodCrashLooping",
		Family:         "crashloop",
		Classification: "actionable",
		OneLiner:       "api: OOM crash loop",
		S3ReportKey:    "KubePodCrashLooping/x.md",
		S3EvidenceKey:  "KubePodCrashLooping/x.json",
	}

	It("attaches to an existing open case by exact case key", func() {
		ix, mock := newMockIndex()
		target := targetWorkload("prod", "payments", "Deployment", "api")

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT case_id FROM cases WHERE case_key`).
			WithArgs("crashloop/prod/payments/deployment/api").
			WillReturnRows(sqlmock.NewRows([]string{"case_id"}).AddRow("case-1"))
		mock.ExpectExec(`INSERT INTO investigation_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE cases SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := ix.IncidentizeRun(context.Background(), target, identity.FamilyCrashloop, run)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.CaseID).To(Equal("case-1"))
		Expect(result.CaseMatchReason).To(Equal("exact_workload"))
		Expect(result.CreatedCase).To(BeFalse())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("creates a new case when no open case matches", func() {
		ix, mock := newMockIndex()
		target := targetWorkload("prod", "payments", "Deployment", "api")

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT case_id FROM cases WHERE case_key`).
			WillReturnRows(sqlmock.NewRows([]string{"case_id"}))
		mock.ExpectExec(`INSERT INTO cases`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO investigation_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE cases SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := ix.IncidentizeRun(context.Background(), target, identity.FamilyCrashloop, run)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.CaseMatchReason).To(Equal("new_case"))
		Expect(result.CreatedCase).To(BeTrue())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("matches generated job names by prefix", func() {
		ix, mock := newMockIndex()
		target := targetWorkload("prod", "batch", "Job", "nightly-export-29384756")

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT case_id FROM cases WHERE case_key`).
			WillReturnRows(sqlmock.NewRows([]string{"case_id"}))
		mock.ExpectQuery(`workload_name LIKE`).
			WithArgs("job_failed", sqlmock.AnyArg(), "nightly-export-%").
			WillReturnRows(sqlmock.NewRows([]string{"case_id"}).AddRow("case-jobs"))
		mock.ExpectExec(`INSERT INTO investigation_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE cases SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := ix.IncidentizeRun(context.Background(), target, identity.FamilyJobFailed, run)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.CaseMatchReason).To(Equal("prefix_job_name"))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("Index.ResolveCase", func() {
	It("rejects resolution without a category", func() {
		ix, _ := newMockIndex()
		err := ix.ResolveCase(context.Background(), "case-1", "", "summary", "")
		Expect(err).To(MatchError(ContainSubstring("resolution_category_required")))
	})

	It("rejects resolution without a summary", func() {
		ix, _ := newMockIndex()
		err := ix.ResolveCase(context.Background(), "case-1", "config_error", "", "")
		Expect(err).To(MatchError(ContainSubstring("resolution_summary_required")))
	})

	It("closes the case and stamps resolution fields", func() {
		ix, mock := newMockIndex()
		mock.ExpectExec(`UPDATE cases SET status = 'closed'`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(ix.ResolveCase(context.Background(), "case-1", "config_error", "bad limit", "")).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

func newMockChatStore() (*store.ChatStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	Expect(err).ToNot(HaveOccurred())
	return store.NewChatStore(sqlx.NewDb(db, "pgx")), mock
}

func threadColumns() []string {
	return []string{"thread_id", "case_id", "mode", "user_key", "title",
		"created_at", "updated_at", "last_message_at"}
}

var _ = Describe("ChatStore.EnsureThread", func() {
	It("returns the user's existing global thread instead of minting a second one", func() {
		chat, mock := newMockChatStore()
		now := time.Now()

		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE thread_id`).
			WithArgs("t-new").
			WillReturnRows(sqlmock.NewRows(threadColumns()))
		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE mode = 'global' AND user_key`).
			WithArgs("alice@example.com").
			WillReturnRows(sqlmock.NewRows(threadColumns()).
				AddRow("t-old", nil, "global", "alice@example.com", nil, now, now, nil))

		thread, err := chat.EnsureThread(context.Background(), "t-new", "", "global", "alice@example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(thread.ThreadID).To(Equal("t-old"))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("returns the user's existing thread for the same case", func() {
		chat, mock := newMockChatStore()
		now := time.Now()

		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE thread_id`).
			WithArgs("t-new").
			WillReturnRows(sqlmock.NewRows(threadColumns()))
		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE mode = 'case' AND user_key`).
			WithArgs("alice@example.com", "case-1").
			WillReturnRows(sqlmock.NewRows(threadColumns()).
				AddRow("t-case", "case-1", "case", "alice@example.com", nil, now, now, nil))

		thread, err := chat.EnsureThread(context.Background(), "t-new", "case-1", "case", "alice@example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(thread.ThreadID).To(Equal("t-case"))
		Expect(thread.CaseID.String).To(Equal("case-1"))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("creates the thread when the user has none", func() {
		chat, mock := newMockChatStore()
		now := time.Now()

		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE thread_id`).
			WithArgs("t-new").
			WillReturnRows(sqlmock.NewRows(threadColumns()))
		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE mode = 'global' AND user_key`).
			WithArgs("alice@example.com").
			WillReturnRows(sqlmock.NewRows(threadColumns()))
		mock.ExpectExec(`INSERT INTO chat_threads`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT \* FROM chat_threads WHERE mode = 'global' AND user_key`).
			WithArgs("alice@example.com").
			WillReturnRows(sqlmock.NewRows(threadColumns()).
				AddRow("t-new", nil, "global", "alice@example.com", nil, now, now, nil))

		thread, err := chat.EnsureThread(context.Background(), "t-new", "", "global", "alice@example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(thread.ThreadID).To(Equal("t-new"))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("ChatStore.AppendTurn", func() {
	It("assigns contiguous seq values and touches the thread's activity stamps", func() {
		chat, mock := newMockChatStore()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT thread_id FROM chat_threads WHERE thread_id = \$1 FOR UPDATE`).
			WithArgs("t-1").
			WillReturnRows(sqlmock.NewRows([]string{"thread_id"}).AddRow("t-1"))
		mock.ExpectQuery(`SELECT coalesce\(max\(seq\), 0\)`).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
		mock.ExpectExec(`INSERT INTO chat_messages`).
			WithArgs(sqlmock.AnyArg(), "t-1", int64(5), "user", "hello").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO chat_messages`).
			WithArgs(sqlmock.AnyArg(), "t-1", int64(6), "assistant", "hi there").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE chat_threads SET updated_at = now\(\), last_message_at = now\(\)`).
			WithArgs("t-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		userMsg, assistantMsg, err := chat.AppendTurn(context.Background(), "t-1", "hello", "hi there", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(userMsg.Seq).To(Equal(int64(5)))
		Expect(assistantMsg.Seq).To(Equal(int64(6)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("rejects an empty user message", func() {
		db, _, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		chat := store.NewChatStore(sqlx.NewDb(db, "pgx"))
		_, _, err = chat.AppendTurn(context.Background(), "t-1", "", "reply", nil)
		Expect(err).To(MatchError(ContainSubstring("content_required")))
	})
})

var _ = Describe("Index.TopTeams", func() {
	It("preserves the busiest-first ranking", func() {
		ix, mock := newMockIndex()
		mock.ExpectQuery(`SELECT team, count\(\*\) AS n FROM cases`).
			WillReturnRows(sqlmock.NewRows([]string{"team", "n"}).
				AddRow("platform", 9).
				AddRow("payments", 4).
				AddRow("search", 2))

		teams, err := ix.TopTeams(context.Background(), 5)
		Expect(err).ToNot(HaveOccurred())
		Expect(teams).To(Equal([]store.TeamCount{
			{Team: "platform", Count: 9},
			{Team: "payments", Count: 4},
			{Team: "search", Count: 2},
		}))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("Index action lifecycle", func() {
	It("stamps the proposer and defaults the title to the action type", func() {
		ix, mock := newMockIndex()
		mock.ExpectExec(`INSERT INTO case_actions`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		action, err := ix.ProposeAction(context.Background(), store.ActionDraft{
			CaseID:     "case-1",
			ActionType: "restart_pod",
			ProposedBy: "assistant",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(action.Title).To(Equal("restart_pod"))
		Expect(action.ProposedBy).To(Equal("assistant"))
		Expect(action.Status).To(Equal(store.ActionProposed))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("stamps who approved and when", func() {
		ix, mock := newMockIndex()
		mock.ExpectExec(`UPDATE case_actions SET status = 'approved', approved_by`).
			WithArgs("act-1", "bob").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(ix.DecideAction(context.Background(), "act-1", true, "bob")).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("stamps the executing operator", func() {
		ix, mock := newMockIndex()
		mock.ExpectExec(`UPDATE case_actions SET status = 'executed', executed_by`).
			WithArgs("act-1", "bob", "execution acknowledged by bob").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(ix.RecordExecution(context.Background(), "act-1", "bob", "execution acknowledged by bob")).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("refuses to decide an action that is not proposed", func() {
		ix, mock := newMockIndex()
		mock.ExpectExec(`UPDATE case_actions SET status = 'approved', approved_by`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := ix.DecideAction(context.Background(), "act-1", true, "bob")
		Expect(err).To(MatchError(ContainSubstring("invalid_status")))
	})
})
