// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crm provides the client for the CRM Web API.
//
// The orchestrator never talks to the CRM database directly; every read goes
// through this client against the Web API tier, which owns query translation
// and tenant isolation. The client adds the two things every caller would
// otherwise reimplement: client-side rate limiting so an agent loop cannot
// stampede the API, and mapping of HTTP failures onto sentinel errors the
// dispatcher can reason about.
package crm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCRM/pkg/validation"
)

// Client is the read surface of the CRM Web API.
//
// All methods honor context cancellation and return wrapped sentinel errors
// (ErrNotFound, ErrRateLimited, ErrUnavailable, ErrBadRequest) for the
// failure classes callers branch on.
type Client interface {
	// Query searches one table and returns a page of records.
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// Get fetches a single record by its identifier.
	Get(ctx context.Context, table, id string) (Record, error)

	// Related walks a schema relationship from one record to a target table.
	Related(ctx context.Context, req RelatedRequest) (*QueryResult, error)

	// Aggregate computes grouped metrics server-side.
	Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error)

	// Count returns the match count for a query without fetching records.
	Count(ctx context.Context, req CountRequest) (int, error)

	// Health verifies the Web API is reachable.
	Health(ctx context.Context) error
}

// Config holds the settings for the Web API client.
type Config struct {
	// BaseURL is the root of the CRM Web API, without a trailing slash.
	BaseURL string

	// APIKey authenticates this orchestrator to the Web API.
	APIKey string

	// Timeout bounds each HTTP call. Default: 30s.
	Timeout time.Duration

	// RetryCount is how many times transient failures are retried.
	// Default: 2.
	RetryCount int

	// RequestsPerSecond caps outbound call rate across all sessions.
	// Default: 20, with a burst of twice the rate.
	RequestsPerSecond int
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	} else if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
}

// WebAPIClient is the production Client backed by the CRM Web API.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter serializes admission; the
// underlying HTTP client pools connections.
type WebAPIClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

var _ Client = (*WebAPIClient)(nil)

// NewWebAPIClient creates a Web API client.
//
// # Inputs
//
//   - cfg: Connection settings. BaseURL and APIKey are required.
//
// # Outputs
//
//   - *WebAPIClient: Ready-to-use client.
//   - error: Non-nil when required settings are missing.
func NewWebAPIClient(cfg Config) (*WebAPIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("crm: APIKey is required")
	}
	applyConfigDefaults(&cfg)

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-API-KEY", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// Retry only server-side faults. 429 is surfaced to the caller,
			// which owns pacing decisions.
			return r.StatusCode() >= http.StatusInternalServerError
		})

	return &WebAPIClient{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond*2),
	}, nil
}

// Query implements Client.
func (c *WebAPIClient) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := validation.ValidateTableName(req.Table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	var result QueryResult
	if err := c.post(ctx, "/api/v1/query", req, &result); err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Table, err)
	}
	return &result, nil
}

// Get implements Client.
func (c *WebAPIClient) Get(ctx context.Context, table, id string) (Record, error) {
	// Both values land in the request path, so they are validated
	// structurally before any bytes go out.
	if err := validation.ValidateTableName(table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if !validation.IsGUID(id) {
		return nil, fmt.Errorf("%w: record id %q is not a valid identifier", ErrBadRequest, id)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var record Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&record).
		Get(fmt.Sprintf("/api/v1/records/%s/%s", table, id))
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, statusError(resp))
	}
	return record, nil
}

// Related implements Client.
func (c *WebAPIClient) Related(ctx context.Context, req RelatedRequest) (*QueryResult, error) {
	if err := validation.ValidateTableName(req.SourceTable); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := validation.ValidateTableName(req.TargetTable); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	var result QueryResult
	if err := c.post(ctx, "/api/v1/related", req, &result); err != nil {
		return nil, fmt.Errorf("related %s->%s: %w", req.SourceTable, req.TargetTable, err)
	}
	return &result, nil
}

// Aggregate implements Client.
func (c *WebAPIClient) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	if err := validation.ValidateTableName(req.Table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	var result AggregateResult
	if err := c.post(ctx, "/api/v1/aggregate", req, &result); err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", req.Table, err)
	}
	return &result, nil
}

// Count implements Client.
func (c *WebAPIClient) Count(ctx context.Context, req CountRequest) (int, error) {
	if err := validation.ValidateTableName(req.Table); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	var result CountResult
	if err := c.post(ctx, "/api/v1/count", req, &result); err != nil {
		return 0, fmt.Errorf("count %s: %w", req.Table, err)
	}
	return result.TotalCount, nil
}

// Health implements Client.
func (c *WebAPIClient) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return fmt.Errorf("crm health: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("crm health: %w", statusError(resp))
	}
	return nil
}

// post runs one rate-limited POST with the standard envelope handling.
func (c *WebAPIClient) post(ctx context.Context, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return statusError(resp)
	}
	return nil
}

// statusError maps an HTTP error response onto the package sentinels so
// callers can branch with errors.Is.
func statusError(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w (status %d)", ErrNotFound, resp.StatusCode())
	case resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status %d)", ErrRateLimited, resp.StatusCode())
	case resp.StatusCode() >= http.StatusInternalServerError:
		return fmt.Errorf("%w (status %d): %s", ErrUnavailable, resp.StatusCode(), resp.String())
	default:
		return fmt.Errorf("%w (status %d): %s", ErrBadRequest, resp.StatusCode(), resp.String())
	}
}
