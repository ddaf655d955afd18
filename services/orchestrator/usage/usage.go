// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage meters per-round token consumption in InfluxDB.
//
// One point is written per provider call. The agent loop calls the recorder
// asynchronously, so a slow or unreachable InfluxDB never stalls a chat
// response.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// usageMeasurement is the InfluxDB measurement name for token samples.
const usageMeasurement = "assistant_usage"

// Recorder writes token-usage samples to an InfluxDB bucket.
//
// # Thread Safety
//
// Safe for concurrent use. The blocking write API serializes internally.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

var _ agent.UsageRecorder = (*Recorder)(nil)

// NewRecorder connects to InfluxDB.
//
// # Inputs
//
//   - url: InfluxDB base URL, e.g. "http://influxdb:8086". Must not be empty.
//   - token: API token. May be empty for unauthenticated deployments.
//   - org: Organization name.
//   - bucket: Target bucket.
//
// # Outputs
//
//   - *Recorder: The connected recorder. Caller must Close() when done.
//   - error: Non-nil if the URL is empty.
func NewRecorder(url, token, org, bucket string) (*Recorder, error) {
	if url == "" {
		return nil, errors.New("influxdb url must not be empty")
	}
	if bucket == "" {
		return nil, errors.New("influxdb bucket must not be empty")
	}

	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}, nil
}

// RecordUsage writes one token sample.
func (r *Recorder) RecordUsage(ctx context.Context, sample datatypes.UsageSample) error {
	if err := r.write.WritePoint(ctx, usagePoint(sample)); err != nil {
		return fmt.Errorf("write usage point: %w", err)
	}
	return nil
}

// Health verifies InfluxDB is reachable and ready.
func (r *Recorder) Health(ctx context.Context) error {
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influxdb not ready: %s", health.Status)
	}
	return nil
}

// Close releases the InfluxDB client.
func (r *Recorder) Close() {
	r.client.Close()
}

// usagePoint maps a sample to an InfluxDB point. Model is the only tag:
// request and session IDs are unbounded, so they ride as fields to keep
// series cardinality flat.
func usagePoint(sample datatypes.UsageSample) *write.Point {
	timestamp := sample.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return influxdb2.NewPoint(
		usageMeasurement,
		map[string]string{
			"model": sample.Model,
		},
		map[string]interface{}{
			"request_id":    sample.RequestID,
			"session_id":    sample.SessionID,
			"round":         sample.Round,
			"input_tokens":  sample.Usage.InputTokens,
			"output_tokens": sample.Usage.OutputTokens,
		},
		timestamp,
	)
}
