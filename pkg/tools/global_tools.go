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

	"github.com/go-faster/errors"

	"github.com/tarka-ai/tarka/pkg/store"
)

// RegisterGlobalTools attaches the inbox-wide, read-only toolset. All four
// tools answer from the case index; none touch the cluster.
func (ex *Executor) RegisterGlobalTools(index *store.Index) {
	requireIndex := func() error {
		if index == nil {
			return errors.New("postgres_not_configured")
		}
		return nil
	}

	ex.register("cases.count", ScopeGlobal, "db",
		"Count cases created in the trailing N days.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireIndex(); err != nil {
				return nil, err
			}
			days := args.Int("days", 7)
			count, err := index.CountCasesSince(ctx, days)
			if err != nil {
				return nil, err
			}
			return map[string]any{"days": days, "count": count}, nil
		})

	ex.register("cases.top", ScopeGlobal, "db",
		"Rank teams by open case count.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireIndex(); err != nil {
				return nil, err
			}
			return index.TopTeams(ctx, args.Int("limit", 5))
		})

	ex.register("cases.lookup", ScopeGlobal, "db",
		"Search the case list with key:value filters and free text.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireIndex(); err != nil {
				return nil, err
			}
			list, err := index.ListCases(ctx, store.CaseFilter{
				Query:  args.String("query"),
				Status: args.String("status"),
				Limit:  args.Int("limit", 20),
			})
			if err != nil {
				return nil, err
			}
			return list, nil
		})

	ex.register("cases.summary", ScopeGlobal, "db",
		"Fetch one case with its latest runs.",
		func(ctx context.Context, _ *Scope, args Args) (any, error) {
			if err := requireIndex(); err != nil {
				return nil, err
			}
			caseID := args.String("case_id")
			if caseID == "" {
				return nil, errors.New("case_id_required")
			}
			c, err := index.GetCase(ctx, caseID)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, nil
			}
			runs, err := index.RunsForCase(ctx, caseID, args.Int("limit", 5))
			if err != nil {
				return nil, err
			}
			return map[string]any{"case": c, "runs": runs}, nil
		})
}
