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

// Package promql wraps the Prometheus HTTP API behind the two query shapes
// the collectors and tools need: instant vectors and range matrices.
package promql

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/tarka-ai/tarka/pkg/investigation"
)

// DefaultQueryTimeout bounds a single PromQL evaluation.
const DefaultQueryTimeout = 15 * time.Second

// Client is the query surface the pipeline depends on.
type Client interface {
	Instant(ctx context.Context, query string, ts time.Time) (model.Vector, error)
	Range(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Matrix, error)
}

// HTTPClient is the production Client over the Prometheus HTTP API.
type HTTPClient struct {
	api     promv1.API
	timeout time.Duration
	logger  logr.Logger
}

// New dials the Prometheus base URL.
func New(baseURL string, logger logr.Logger) (*HTTPClient, error) {
	c, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, errors.Wrap(err, "build prometheus client")
	}
	return &HTTPClient{
		api:     promv1.NewAPI(c),
		timeout: DefaultQueryTimeout,
		logger:  logger.WithName("promql"),
	}, nil
}

// Instant evaluates an instant query at ts.
func (c *HTTPClient) Instant(ctx context.Context, query string, ts time.Time) (model.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, warnings, err := c.api.Query(ctx, query, ts)
	if err != nil {
		return nil, errors.Wrap(err, "instant query")
	}
	if len(warnings) > 0 {
		c.logger.V(1).Info("prometheus warnings", "query", query, "warnings", warnings)
	}
	vector, ok := value.(model.Vector)
	if !ok {
		return nil, errors.Errorf("unexpected result type %s", value.Type())
	}
	return vector, nil
}

// Range evaluates a range query over [start, end] at the given step.
func (c *HTTPClient) Range(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Matrix, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, warnings, err := c.api.QueryRange(ctx, query, promv1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, errors.Wrap(err, "range query")
	}
	if len(warnings) > 0 {
		c.logger.V(1).Info("prometheus warnings", "query", query, "warnings", warnings)
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, errors.Errorf("unexpected result type %s", value.Type())
	}
	return matrix, nil
}

// SamplesFromMatrix flattens the first series of a matrix into sample
// points. Collectors only ever chart one series per query; extra series are
// a query-shape bug, not data.
func SamplesFromMatrix(matrix model.Matrix) []investigation.SamplePoint {
	if len(matrix) == 0 {
		return nil
	}
	series := matrix[0]
	samples := make([]investigation.SamplePoint, 0, len(series.Values))
	for _, pair := range series.Values {
		samples = append(samples, investigation.SamplePoint{
			Timestamp: pair.Timestamp.Time(),
			Value:     float64(pair.Value),
		})
	}
	return samples
}

// MaxSample returns the maximum value across sample points, or 0 when
// empty.
func MaxSample(samples []investigation.SamplePoint) float64 {
	max := 0.0
	for _, s := range samples {
		if s.Value > max {
			max = s.Value
		}
	}
	return max
}

// P95Sample returns the 95th-percentile value (nearest-rank) across sample
// points, or 0 when empty.
func P95Sample(samples []investigation.SamplePoint) float64 {
	if len(samples) == 0 {
		return 0
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	// insertion sort: sample sets are small (bounded by window/step)
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j-1] > values[j]; j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
	rank := (95*len(values) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return values[rank-1]
}
