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
	"sort"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// searchKeyAliases maps search-key aliases to their canonical key.
var searchKeyAliases = map[string]string{
	"ns":         "namespace",
	"namespace":  "namespace",
	"pod":        "pod",
	"deploy":     "workload",
	"deployment": "workload",
	"workload":   "workload",
	"svc":        "service",
	"service":    "service",
	"cluster":    "cluster",
	"alert":      "alertname",
	"alertname":  "alertname",
}

// SearchQuery is the parsed form of a hybrid search string: key:value
// filters plus free-text tokens combined with AND.
type SearchQuery struct {
	Keys   map[string]string
	Tokens []string
}

// ParseSearchQuery parses a hybrid search string. Unknown keys are treated
// as free text, so "foo:bar" with an unrecognized key still matches rows
// containing that literal token.
func ParseSearchQuery(q string) SearchQuery {
	parsed := SearchQuery{Keys: map[string]string{}}
	for _, raw := range strings.Fields(q) {
		if colon := strings.IndexByte(raw, ':'); colon > 0 {
			key := strings.ToLower(raw[:colon])
			value := raw[colon+1:]
			if canonical, ok := searchKeyAliases[key]; ok && value != "" {
				parsed.Keys[canonical] = value
				continue
			}
		}
		if raw != "" {
			parsed.Tokens = append(parsed.Tokens, strings.ToLower(raw))
		}
	}
	return parsed
}

// Render produces a canonical string form of the query, with keys sorted.
// ParseSearchQuery(Render(q)) == q for queries of known keys and safe
// tokens.
func (q SearchQuery) Render() string {
	keys := make([]string, 0, len(q.Keys))
	for k := range q.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, k+":"+q.Keys[k])
	}
	parts = append(parts, q.Tokens...)
	return strings.Join(parts, " ")
}

// CaseFilter scopes a case listing.
type CaseFilter struct {
	Status         string
	Query          string
	Service        string
	Classification string
	Family         string
	Team           string
	Limit          int
	Offset         int
}

// CaseCounts is the status breakdown returned alongside a listing.
type CaseCounts struct {
	Open   int `db:"open" json:"open"`
	Closed int `db:"closed" json:"closed"`
	Total  int `db:"total" json:"total"`
}

// CaseList is one page of cases plus aggregate counts.
type CaseList struct {
	Total  int        `json:"total"`
	Counts CaseCounts `json:"counts"`
	Items  []Case     `json:"items"`
}

// ListCases pages cases under a filter with hybrid search. key:value terms
// map to identity columns; free-text tokens AND together over the searchable
// columns.
func (ix *Index) ListCases(ctx context.Context, filter CaseFilter) (*CaseList, error) {
	where, args := buildCaseWhere(filter)

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	countQuery := `SELECT
	    count(*) FILTER (WHERE status = 'open') AS open,
	    count(*) FILTER (WHERE status = 'closed') AS closed,
	    count(*) AS total
	  FROM cases` + where
	var counts CaseCounts
	if err := ix.db.GetContext(ctx, &counts, countQuery, args...); err != nil {
		return nil, errors.Wrap(err, "count cases")
	}

	itemWhere, itemArgs := where, append([]any{}, args...)
	if filter.Status != "" {
		itemArgs = append(itemArgs, filter.Status)
		cond := "status = $" + strconv.Itoa(len(itemArgs))
		if itemWhere == "" {
			itemWhere = " WHERE " + cond
		} else {
			itemWhere += " AND " + cond
		}
	}
	listArgs := append(itemArgs, limit, filter.Offset)
	listQuery := `SELECT * FROM cases` + itemWhere +
		` ORDER BY updated_at DESC LIMIT $` + strconv.Itoa(len(listArgs)-1) +
		` OFFSET $` + strconv.Itoa(len(listArgs))

	var items []Case
	if err := ix.db.SelectContext(ctx, &items, listQuery, listArgs...); err != nil {
		return nil, errors.Wrap(err, "list cases")
	}

	total := counts.Total
	if filter.Status == string(CaseOpen) {
		total = counts.Open
	} else if filter.Status == string(CaseClosed) {
		total = counts.Closed
	}
	return &CaseList{Total: total, Counts: counts, Items: items}, nil
}

// CaseFacets returns the distinct teams under the same filters.
func (ix *Index) CaseFacets(ctx context.Context, filter CaseFilter) ([]string, error) {
	where, args := buildCaseWhere(filter)
	query := `SELECT DISTINCT team FROM cases` + where
	if where == "" {
		query += ` WHERE team IS NOT NULL`
	} else {
		query += ` AND team IS NOT NULL`
	}
	query += ` ORDER BY team`

	var teams []string
	if err := ix.db.SelectContext(ctx, &teams, query, args...); err != nil {
		return nil, errors.Wrap(err, "case facets")
	}
	return teams, nil
}

// buildCaseWhere renders the WHERE clause for a filter. Status is
// intentionally excluded so the counts query can break it down itself;
// callers append status conditions when listing.
func buildCaseWhere(filter CaseFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.Service != "" {
		add("service = ?", filter.Service)
	}
	if filter.Family != "" {
		add("family = ?", filter.Family)
	}
	if filter.Team != "" {
		add("team = ?", filter.Team)
	}
	if filter.Classification != "" {
		// classification lives on runs; the case carries the latest verdict
		// via its most recent run
		add(`case_id IN (SELECT case_id FROM investigation_runs WHERE classification = ?)`, filter.Classification)
	}

	parsed := ParseSearchQuery(filter.Query)
	for key, value := range parsed.Keys {
		switch key {
		case "namespace":
			add("namespace = ?", value)
		case "workload":
			add("workload_name = ?", value)
		case "service":
			add("service = ?", value)
		case "cluster":
			add("cluster = ?", value)
		case "pod":
			add(`case_id IN (SELECT case_id FROM investigation_runs WHERE pod = ?)`, value)
		case "alertname":
			add(`case_id IN (SELECT case_id FROM investigation_runs WHERE alertname = ?)`, value)
		}
	}
	for _, token := range parsed.Tokens {
		args = append(args, "%"+token+"%")
		ordinal := "$" + strconv.Itoa(len(args))
		clauses = append(clauses,
			`(lower(coalesce(workload_name,'')) LIKE `+ordinal+
				` OR lower(coalesce(service,'')) LIKE `+ordinal+
				` OR lower(coalesce(namespace,'')) LIKE `+ordinal+
				` OR lower(coalesce(latest_one_liner,'')) LIKE `+ordinal+`)`)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
