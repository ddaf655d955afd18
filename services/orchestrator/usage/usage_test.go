// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

func TestUsagePoint(t *testing.T) {
	sample := datatypes.UsageSample{
		RequestID: "req-1",
		SessionID: "sess-1",
		Model:     "claude-test",
		Round:     2,
		Usage:     datatypes.TokenUsage{InputTokens: 120, OutputTokens: 45},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	point := usagePoint(sample)

	line := write.PointToLineProtocol(point, time.Nanosecond)
	assert.Contains(t, line, "assistant_usage")
	assert.Contains(t, line, "model=claude-test")
	assert.Contains(t, line, "input_tokens=120i")
	assert.Contains(t, line, "output_tokens=45i")
	assert.Contains(t, line, `request_id="req-1"`)
	assert.Equal(t, sample.Timestamp, point.Time())
}

func TestUsagePoint_FillsMissingTimestamp(t *testing.T) {
	point := usagePoint(datatypes.UsageSample{Model: "claude-test"})
	assert.False(t, point.Time().IsZero())
}

func TestNewRecorder_Validation(t *testing.T) {
	_, err := NewRecorder("", "token", "org", "bucket")
	require.Error(t, err)

	_, err = NewRecorder("http://influxdb:8086", "token", "org", "")
	require.Error(t, err)

	recorder, err := NewRecorder("http://influxdb:8086", "token", "org", "usage")
	require.NoError(t, err)
	recorder.Close()
}
