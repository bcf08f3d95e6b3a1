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

package store

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tarka-ai/tarka/pkg/identity"
)

// Index is the relational index over cases and investigation runs.
type Index struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewIndex wires the index over an open sqlx handle.
func NewIndex(db *sqlx.DB, logger logr.Logger) *Index {
	return &Index{db: db, logger: logger.WithName("index")}
}

// DB exposes the underlying handle for read-path helpers (search, chat).
func (ix *Index) DB() *sqlx.DB { return ix.db }

// CaseKeyFor computes the stable case identity from cluster, namespace, and
// workload or service. Pods never participate: a case outlives pod churn.
func CaseKeyFor(target identity.Target, family identity.Family) string {
	parts := []string{string(family), keyPart(target.Cluster), keyPart(target.Namespace)}
	switch {
	case target.WorkloadName != "":
		parts = append(parts, strings.ToLower(target.WorkloadKind), target.WorkloadName)
	case target.Service != "":
		parts = append(parts, "service", target.Service)
	default:
		parts = append(parts, "none", keyPart(target.Job))
	}
	return strings.Join(parts, "/")
}

func keyPart(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// generatedJobName matches Kubernetes generated Job names of the form
// <prefix>-<digits>[-<random>] (CronJob children and similar). The digit run
// must be long enough to look like a scheduled timestamp, so versioned names
// like "api-v2" never match.
var generatedJobName = regexp.MustCompile(`^(.+)-\d{4,}(-[a-z0-9]{4,})?$`)

// JobNamePrefix strips the generated suffix from a Job name, or returns the
// empty string when the name does not look generated.
func JobNamePrefix(name string) string {
	m := generatedJobName.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

// IncidentizeResult reports how a run was attached to a case.
type IncidentizeResult struct {
	RunID           string
	CaseID          string
	CaseKey         string
	CaseMatchReason string // exact_workload | prefix_job_name | service_only | new_case
	CreatedCase     bool
}

// IncidentizeRun attaches a run to its case, creating the case when no open
// one matches, inserts the run row, and refreshes the case's latest-artifact
// columns. The whole operation is one transaction.
func (ix *Index) IncidentizeRun(ctx context.Context, target identity.Target, family identity.Family, run Run) (IncidentizeResult, error) {
	result := IncidentizeResult{CaseKey: CaseKeyFor(target, family)}

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	caseID, reason, err := ix.matchOpenCase(ctx, tx, result.CaseKey, target, family)
	if err != nil {
		return result, err
	}
	if caseID == "" {
		caseID, err = ix.createCase(ctx, tx, result.CaseKey, target, family)
		if err != nil {
			return result, err
		}
		reason = "new_case"
		result.CreatedCase = true
	}
	result.CaseID = caseID
	result.CaseMatchReason = reason

	run.RunID = uuid.NewString()
	run.CaseID = caseID
	if err := insertRun(ctx, tx, run); err != nil {
		return result, err
	}
	result.RunID = run.RunID

	if err := refreshCase(ctx, tx, caseID, run); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, errors.Wrap(err, "commit")
	}

	ix.logger.Info("run indexed",
		"run_id", result.RunID, "case_id", caseID, "match", reason, "case_key", result.CaseKey)
	return result, nil
}

// matchOpenCase resolves the open case for a run. Match order: exact
// case_key; Job-prefix match for generated job names; service-only fallback
// when the run carries no workload identity.
func (ix *Index) matchOpenCase(ctx context.Context, tx *sqlx.Tx, caseKey string, target identity.Target, family identity.Family) (string, string, error) {
	var caseID string
	err := tx.GetContext(ctx, &caseID,
		`SELECT case_id FROM cases WHERE case_key = $1 AND status = 'open'`, caseKey)
	switch {
	case err == nil:
		return caseID, "exact_workload", nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", "", errors.Wrap(err, "match case by key")
	}

	if target.WorkloadKind == "Job" && target.WorkloadName != "" {
		if prefix := JobNamePrefix(target.WorkloadName); prefix != "" {
			err := tx.GetContext(ctx, &caseID,
				`SELECT case_id FROM cases
				 WHERE status = 'open' AND family = $1 AND namespace IS NOT DISTINCT FROM $2
				   AND workload_kind = 'Job' AND workload_name LIKE $3
				 ORDER BY updated_at DESC LIMIT 1`,
				string(family), nullable(target.Namespace), prefix+"-%")
			switch {
			case err == nil:
				return caseID, "prefix_job_name", nil
			case !errors.Is(err, sql.ErrNoRows):
				return "", "", errors.Wrap(err, "match case by job prefix")
			}
		}
	}

	if target.WorkloadName == "" && target.Service != "" {
		err := tx.GetContext(ctx, &caseID,
			`SELECT case_id FROM cases
			 WHERE status = 'open' AND family = $1
			   AND namespace IS NOT DISTINCT FROM $2 AND service = $3
			 ORDER BY updated_at DESC LIMIT 1`,
			string(family), nullable(target.Namespace), target.Service)
		switch {
		case err == nil:
			return caseID, "service_only", nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", "", errors.Wrap(err, "match case by service")
		}
	}

	return "", "", nil
}

func (ix *Index) createCase(ctx context.Context, tx *sqlx.Tx, caseKey string, target identity.Target, family identity.Family) (string, error) {
	caseID := uuid.NewString()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cases
		   (case_id, case_key, status, created_at, updated_at,
		    cluster, target_type, namespace, workload_kind, workload_name,
		    service, instance, team, family)
		 VALUES ($1, $2, 'open', now(), now(), $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		caseID, caseKey,
		nullable(target.Cluster), nullable(string(target.Type)), nullable(target.Namespace),
		nullable(target.WorkloadKind), nullable(target.WorkloadName),
		nullable(target.Service), nullable(target.Instance), nullable(target.Team),
		nullable(string(family)))
	if err != nil {
		return caseID, errors.Wrap(err, "create case")
	}
	return caseID, nil
}

func insertRun(ctx context.Context, tx *sqlx.Tx, run Run) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO investigation_runs
		   (run_id, case_id, created_at, fingerprint, alertname, family,
		    cluster, namespace, workload_kind, workload_name, service, pod,
		    classification, primary_driver, one_liner, snapshot,
		    s3_report_key, s3_evidence_key)
		 VALUES ($1, $2, now(), $3, $4, $5, $6, $7, $8, $9, $10, $11,
		         $12, $13, $14, $15, $16, $17)`,
		run.RunID, run.CaseID, run.Fingerprint, run.Alertname, run.Family,
		run.Cluster, run.Namespace, run.WorkloadKind, run.WorkloadName,
		run.Service, run.Pod, run.Classification, run.PrimaryDriver,
		run.OneLiner, run.Snapshot, run.S3ReportKey, run.S3EvidenceKey)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	return nil
}

// refreshCase points the case row at the latest artifacts while preserving
// first-seen identity fields via COALESCE.
func refreshCase(ctx context.Context, tx *sqlx.Tx, caseID string, run Run) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE cases SET
		   updated_at = now(),
		   family = COALESCE(family, $2),
		   primary_driver = COALESCE($3, primary_driver),
		   latest_one_liner = COALESCE($4, latest_one_liner),
		   s3_report_key = COALESCE($5, s3_report_key),
		   s3_investigation_key = COALESCE($6, s3_investigation_key)
		 WHERE case_id = $1`,
		caseID, nullable(run.Family), run.PrimaryDriver,
		nullable(run.OneLiner), nullable(run.S3ReportKey), nullable(run.S3EvidenceKey))
	if err != nil {
		return errors.Wrap(err, "refresh case")
	}
	return nil
}

// SimilarRuns finds recent runs sharing the target shape, excluding the
// current fingerprint. Generated Job names match on their prefix.
func (ix *Index) SimilarRuns(ctx context.Context, target identity.Target, family identity.Family, excludeFingerprint string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT * FROM investigation_runs
	          WHERE family = $1 AND fingerprint <> $2`
	args := []any{string(family), excludeFingerprint}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += ` AND ` + column + ` = $` + strconv.Itoa(len(args))
	}
	add("cluster", target.Cluster)
	add("namespace", target.Namespace)

	if target.WorkloadName != "" {
		if prefix := JobNamePrefix(target.WorkloadName); target.WorkloadKind == "Job" && prefix != "" {
			args = append(args, prefix+"%")
			query += ` AND workload_kind = 'Job' AND workload_name LIKE $` + strconv.Itoa(len(args))
		} else {
			add("workload_kind", target.WorkloadKind)
			add("workload_name", target.WorkloadName)
		}
	}

	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	var runs []Run
	if err := ix.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, errors.Wrap(err, "similar runs")
	}
	return runs, nil
}

// ResolutionSkills returns recently resolved cases of a family whose
// resolution summaries can seed the "what fixed this before" memory tool.
func (ix *Index) ResolutionSkills(ctx context.Context, family identity.Family, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 5
	}
	var cases []Case
	err := ix.db.SelectContext(ctx, &cases,
		`SELECT * FROM cases
		 WHERE status = 'closed' AND family = $1 AND resolution_summary IS NOT NULL
		 ORDER BY resolved_at DESC LIMIT $2`,
		string(family), limit)
	if err != nil {
		return cases, errors.Wrap(err, "resolution skills")
	}
	return cases, nil
}

// GetCase fetches one case row.
func (ix *Index) GetCase(ctx context.Context, caseID string) (*Case, error) {
	var c Case
	err := ix.db.GetContext(ctx, &c, `SELECT * FROM cases WHERE case_id = $1`, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get case")
	}
	return &c, nil
}

// GetRun fetches one run row.
func (ix *Index) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := ix.db.GetContext(ctx, &r, `SELECT * FROM investigation_runs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return &r, nil
}

// RunsForCase fetches the newest runs for a case, newest first.
func (ix *Index) RunsForCase(ctx context.Context, caseID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	err := ix.db.SelectContext(ctx, &runs,
		`SELECT * FROM investigation_runs WHERE case_id = $1 ORDER BY created_at DESC LIMIT $2`,
		caseID, limit)
	if err != nil {
		return runs, errors.Wrap(err, "runs for case")
	}
	return runs, nil
}

// ResolveCase closes a case. Category and summary are required; enforced
// here as well as at the API edge.
func (ix *Index) ResolveCase(ctx context.Context, caseID, category, summary, postmortemLink string) error {
	if category == "" {
		return errors.New("resolution_category_required")
	}
	if summary == "" {
		return errors.New("resolution_summary_required")
	}
	_, err := ix.db.ExecContext(ctx,
		`UPDATE cases SET status = 'closed', resolved_at = now(), updated_at = now(),
		   resolution_category = $2, resolution_summary = $3, postmortem_link = $4
		 WHERE case_id = $1`,
		caseID, category, summary, nullable(postmortemLink))
	if err != nil {
		return errors.Wrap(err, "resolve case")
	}
	return nil
}

// ReopenCase transitions closed -> open, clearing resolution fields.
func (ix *Index) ReopenCase(ctx context.Context, caseID string) error {
	_, err := ix.db.ExecContext(ctx,
		`UPDATE cases SET status = 'open', updated_at = now(),
		   resolved_at = NULL, resolution_category = NULL,
		   resolution_summary = NULL, postmortem_link = NULL
		 WHERE case_id = $1`, caseID)
	if err != nil {
		return errors.Wrap(err, "reopen case")
	}
	return nil
}

// CountCasesSince counts cases created in the trailing window. Chat fast
// path for "how many cases in the last N days".
func (ix *Index) CountCasesSince(ctx context.Context, days int) (int, error) {
	var count int
	err := ix.db.GetContext(ctx, &count,
		`SELECT count(*) FROM cases WHERE created_at > now() - ($1 || ' days')::interval`, days)
	if err != nil {
		return count, errors.Wrap(err, "count cases")
	}
	return count, nil
}

// CountRunsByFamily counts runs for a family and optional workload over a
// trailing window. Chat fast path for family-count questions on a case.
func (ix *Index) CountRunsByFamily(ctx context.Context, family identity.Family, workloadName string, days int) (int, error) {
	query := `SELECT count(*) FROM investigation_runs
	          WHERE family = $1 AND created_at > now() - ($2 || ' days')::interval`
	args := []any{string(family), days}
	if workloadName != "" {
		args = append(args, workloadName)
		query += ` AND workload_name = $3`
	}
	var count int
	err := ix.db.GetContext(ctx, &count, query, args...)
	if err != nil {
		return count, errors.Wrap(err, "count runs by family")
	}
	return count, nil
}

// TeamCount is one entry of the open-case leaderboard.
type TeamCount struct {
	Team  string `db:"team" json:"team"`
	Count int    `db:"n" json:"count"`
}

// TopTeams returns the teams with most open cases, busiest first. Chat fast
// path; the slice preserves the SQL ranking.
func (ix *Index) TopTeams(ctx context.Context, limit int) ([]TeamCount, error) {
	if limit <= 0 {
		limit = 5
	}
	var out []TeamCount
	err := ix.db.SelectContext(ctx, &out,
		`SELECT team, count(*) AS n FROM cases
		 WHERE status = 'open' AND team IS NOT NULL
		 GROUP BY team ORDER BY n DESC LIMIT $1`, limit)
	if err != nil {
		return out, errors.Wrap(err, "top teams")
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
