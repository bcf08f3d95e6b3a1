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
	"net/url"
	"time"

	"github.com/go-faster/errors"
)

// ArgoCDClient reads application status from the ArgoCD API. Read-only; the
// assistant never triggers syncs.
type ArgoCDClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewArgoCDClient builds a client for the ArgoCD REST API.
func NewArgoCDClient(baseURL, token string) *ArgoCDClient {
	return &ArgoCDClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// AppStatusResult is the condensed sync and health view of one application.
type AppStatusResult struct {
	App          string    `json:"app"`
	SyncStatus   string    `json:"sync_status"`
	HealthStatus string    `json:"health_status"`
	Revision     string    `json:"revision,omitempty"`
	SyncedAt     time.Time `json:"synced_at,omitempty"`
}

// AppStatus fetches one application's status.
func (c *ArgoCDClient) AppStatus(ctx context.Context, app string) (*AppStatusResult, error) {
	endpoint := c.baseURL + "/api/v1/applications/" + url.PathEscape(app)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build argocd request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "argocd request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("argocd status %d for %s", resp.StatusCode, app)
	}

	var body struct {
		Status struct {
			Sync struct {
				Status   string `json:"status"`
				Revision string `json:"revision"`
			} `json:"sync"`
			Health struct {
				Status string `json:"status"`
			} `json:"health"`
			OperationState struct {
				FinishedAt time.Time `json:"finishedAt"`
			} `json:"operationState"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode argocd response")
	}
	return &AppStatusResult{
		App:          app,
		SyncStatus:   body.Status.Sync.Status,
		HealthStatus: body.Status.Health.Status,
		Revision:     body.Status.Sync.Revision,
		SyncedAt:     body.Status.OperationState.FinishedAt,
	}, nil
}
