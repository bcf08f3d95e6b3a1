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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/oauth2"
)

const githubAPI = "https://api.github.com"

// GitHubClient reads commits, workflow runs, and file contents from the
// GitHub REST API over an oauth2 token source.
type GitHubClient struct {
	client     *http.Client
	api        string
	defaultOrg string
	catalog    map[string]string // service name -> org/repo
	now        func() time.Time
}

// NewGitHubClient builds a client. catalog maps service names to org/repo
// slugs; defaultOrg backs the naming-convention fallback.
func NewGitHubClient(token, defaultOrg string, catalog map[string]string) *GitHubClient {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = 20 * time.Second
	return &GitHubClient{
		client:     client,
		api:        githubAPI,
		defaultOrg: defaultOrg,
		catalog:    catalog,
		now:        time.Now,
	}
}

// resolveRepo maps tool args to an org/repo slug and records how the mapping
// was made so the assistant can tell the user when it guessed.
func (g *GitHubClient) resolveRepo(args Args, service string) (slug, resolution string) {
	if repo := args.String("repo"); repo != "" {
		cleaned := cleanRepoArg(repo)
		if strings.Count(cleaned, "/") == 1 {
			if cleaned != repo {
				return cleaned, "args_cleaned"
			}
			return cleaned, "args"
		}
		if g.defaultOrg != "" {
			return g.defaultOrg + "/" + cleaned, "args_cleaned"
		}
	}
	if service != "" {
		if slug, ok := g.catalog[service]; ok {
			return slug, "service_catalog"
		}
		if g.defaultOrg != "" {
			return g.defaultOrg + "/" + service, "naming_convention"
		}
	}
	return "", "not_found"
}

func cleanRepoArg(repo string) string {
	repo = strings.TrimSuffix(strings.TrimSpace(repo), ".git")
	repo = strings.TrimPrefix(repo, "https://github.com/")
	repo = strings.TrimPrefix(repo, "git@github.com:")
	return strings.Trim(repo, "/")
}

func (g *GitHubClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := g.api + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build github request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "github request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return errors.New("tool_exception:NotFound:github resource not found")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("github status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type commitSummary struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
	Date    string `json:"date,omitempty"`
}

// RecentCommits lists commits since a point in time, newest first.
func (g *GitHubClient) RecentCommits(ctx context.Context, slug string, since time.Time, limit int) ([]commitSummary, error) {
	var raw []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string    `json:"name"`
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	query := url.Values{
		"since":    {since.UTC().Format(time.RFC3339)},
		"per_page": {strconv.Itoa(limit)},
	}
	if err := g.get(ctx, "/repos/"+slug+"/commits", query, &raw); err != nil {
		return nil, err
	}
	commits := make([]commitSummary, 0, len(raw))
	for _, c := range raw {
		msg := c.Commit.Message
		if idx := strings.IndexByte(msg, '\n'); idx > 0 {
			msg = msg[:idx]
		}
		commits = append(commits, commitSummary{
			SHA:     shortSHA(c.SHA),
			Message: msg,
			Author:  c.Commit.Author.Name,
			Date:    c.Commit.Author.Date.UTC().Format(time.RFC3339),
		})
	}
	return commits, nil
}

// WorkflowRuns lists recent Actions workflow runs.
func (g *GitHubClient) WorkflowRuns(ctx context.Context, slug string, limit int) (any, error) {
	var raw struct {
		WorkflowRuns []struct {
			ID         int64     `json:"id"`
			Name       string    `json:"name"`
			HeadBranch string    `json:"head_branch"`
			Status     string    `json:"status"`
			Conclusion string    `json:"conclusion"`
			CreatedAt  time.Time `json:"created_at"`
		} `json:"workflow_runs"`
	}
	query := url.Values{"per_page": {strconv.Itoa(limit)}}
	if err := g.get(ctx, "/repos/"+slug+"/actions/runs", query, &raw); err != nil {
		return nil, err
	}
	type run struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Branch     string `json:"branch"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion,omitempty"`
		CreatedAt  string `json:"created_at"`
	}
	runs := make([]run, 0, len(raw.WorkflowRuns))
	for _, r := range raw.WorkflowRuns {
		runs = append(runs, run{
			ID: r.ID, Name: r.Name, Branch: r.HeadBranch,
			Status: r.Status, Conclusion: r.Conclusion,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return runs, nil
}

// WorkflowJobs lists a run's jobs with per-step conclusions. Cheaper and
// usually more useful than the full log archive.
func (g *GitHubClient) WorkflowJobs(ctx context.Context, slug string, runID int64) (any, error) {
	var raw struct {
		Jobs []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
			Steps      []struct {
				Name       string `json:"name"`
				Conclusion string `json:"conclusion"`
			} `json:"steps"`
		} `json:"jobs"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs", slug, runID)
	if err := g.get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.Jobs, nil
}

// ReadFile fetches one file's contents at a ref (default branch when empty).
func (g *GitHubClient) ReadFile(ctx context.Context, slug, path, ref string) (string, error) {
	endpoint := g.api + "/repos/" + slug + "/contents/" + strings.TrimPrefix(path, "/")
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "build github request")
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	resp, err := g.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "github request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return "", errors.New("tool_exception:NotFound:file not found")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("github status %d for %s", resp.StatusCode, path)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", errors.Wrap(err, "read file body")
	}
	return string(body), nil
}

// CommitDiff summarizes one commit's changed files with truncated patches.
func (g *GitHubClient) CommitDiff(ctx context.Context, slug, sha string) (any, error) {
	var raw struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
		Files []struct {
			Filename  string `json:"filename"`
			Status    string `json:"status"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		} `json:"files"`
	}
	if err := g.get(ctx, "/repos/"+slug+"/commits/"+url.PathEscape(sha), nil, &raw); err != nil {
		return nil, err
	}
	type file struct {
		Filename  string `json:"filename"`
		Status    string `json:"status"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch,omitempty"`
	}
	const patchCap = 2000
	files := make([]file, 0, len(raw.Files))
	for _, f := range raw.Files {
		patch := f.Patch
		if len(patch) > patchCap {
			patch = patch[:patchCap] + "\n... (truncated)"
		}
		files = append(files, file{
			Filename: f.Filename, Status: f.Status,
			Additions: f.Additions, Deletions: f.Deletions, Patch: patch,
		})
	}
	return map[string]any{
		"sha":     shortSHA(raw.SHA),
		"message": raw.Commit.Message,
		"files":   files,
	}, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// RegisterGitHubTools attaches the github. toolset.
func (ex *Executor) RegisterGitHubTools(gh *GitHubClient) {
	requireClient := func() error {
		if gh == nil {
			return errors.New("tool_exception:Unavailable:github not configured")
		}
		return nil
	}

	resolve := func(scope *Scope, args Args) (string, string, error) {
		service := args.String("service")
		if service == "" && scope != nil && scope.Snapshot != nil {
			service = scope.Snapshot.Target.Service
			if service == "" {
				service = scope.Snapshot.Target.WorkloadName
			}
		}
		slug, resolution := gh.resolveRepo(args, service)
		if resolution == "not_found" {
			return "", resolution, errors.New("tool_exception:NotFound:cannot resolve repository")
		}
		return slug, resolution, nil
	}

	ex.register("github.recent_commits", ScopeCase, "github",
		"List recent commits for the case's service repository.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireClient(); err != nil {
				return nil, err
			}
			slug, resolution, err := resolve(scope, args)
			if err != nil {
				return nil, err
			}
			limit := args.Int("limit", 20)
			if limit < 1 {
				limit = 1
			}
			if limit > 30 {
				limit = 30
			}
			window := 2 * time.Hour
			since := gh.now().Add(-window)
			explicitSince := false
			if raw := args.String("since"); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, errors.New("tool_exception:BadArgs:since must be RFC3339")
				}
				since = parsed
				window = gh.now().Sub(parsed)
				explicitSince = true
			}
			commits, err := gh.RecentCommits(ctx, slug, since, limit)
			if err != nil {
				return nil, err
			}
			widened := false
			if len(commits) == 0 && !explicitSince {
				// One widening retry when the caller left the window to us:
				// a quiet 2h window is common right after a rollback. An
				// explicit since means the caller wants exactly that window.
				window = 24 * time.Hour
				commits, err = gh.RecentCommits(ctx, slug, gh.now().Add(-window), limit)
				if err != nil {
					return nil, err
				}
				widened = true
			}
			return map[string]any{
				"repo":            slug,
				"repo_resolution": resolution,
				"window_hours":    int(window.Hours()),
				"window_widened":  widened,
				"commits":         commits,
			}, nil
		})

	ex.register("github.workflow_runs", ScopeCase, "github",
		"List recent GitHub Actions workflow runs for the case's repository.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireClient(); err != nil {
				return nil, err
			}
			slug, resolution, err := resolve(scope, args)
			if err != nil {
				return nil, err
			}
			runs, err := gh.WorkflowRuns(ctx, slug, args.Int("limit", 10))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"repo":            slug,
				"repo_resolution": resolution,
				"runs":            runs,
			}, nil
		})

	ex.register("github.workflow_logs", ScopeCase, "github",
		"Summarize one workflow run's jobs and step conclusions.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireClient(); err != nil {
				return nil, err
			}
			slug, _, err := resolve(scope, args)
			if err != nil {
				return nil, err
			}
			runID := args.Int("run_id", 0)
			if runID <= 0 {
				return nil, errors.New("tool_exception:BadArgs:run_id is required")
			}
			return gh.WorkflowJobs(ctx, slug, int64(runID))
		})

	ex.register("github.read_file", ScopeCase, "github",
		"Read one file from the case's repository.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireClient(); err != nil {
				return nil, err
			}
			slug, _, err := resolve(scope, args)
			if err != nil {
				return nil, err
			}
			path := args.String("path")
			if path == "" {
				return nil, errors.New("tool_exception:BadArgs:path is required")
			}
			content, err := gh.ReadFile(ctx, slug, path, args.String("ref"))
			if err != nil {
				return nil, err
			}
			return map[string]string{"path": path, "content": content}, nil
		})

	ex.register("github.commit_diff", ScopeCase, "github",
		"Show one commit's changed files and truncated patches.",
		func(ctx context.Context, scope *Scope, args Args) (any, error) {
			if err := requireClient(); err != nil {
				return nil, err
			}
			slug, _, err := resolve(scope, args)
			if err != nil {
				return nil, err
			}
			sha := args.String("sha")
			if sha == "" {
				return nil, errors.New("tool_exception:BadArgs:sha is required")
			}
			return gh.CommitDiff(ctx, slug, sha)
		})
}
