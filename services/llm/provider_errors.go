// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusOverloaded is the provider's overload status. It is not a registered
// HTTP status, so net/http has no constant for it.
const StatusOverloaded = 529

// ProviderError is a classified failure from a model provider.
//
// Description:
//
//	Carries everything the loop's retry policy needs to decide what to do:
//	the HTTP status class, the provider's own error type string, and the
//	advised backoff for rate limits. Clients build these; they never act on
//	them. Use errors.As to recover one from a wrapped chain.
type ProviderError struct {
	// StatusCode is the HTTP status of the failed call.
	StatusCode int

	// Type is the provider's error type string, e.g. "rate_limit_error".
	Type string

	// Message is the provider's error message, already redacted for logging.
	Message string

	// RetryAfter is the provider-advised wait before retrying, parsed from
	// the Retry-After header. Zero when the provider gave no advice.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the provider rejected the call for rate.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports whether the provider is shedding load.
func (e *ProviderError) IsOverloaded() bool {
	return e.StatusCode == StatusOverloaded
}

// providerErrorEnvelope is the standard error body shape.
type providerErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// newProviderError classifies a non-200 provider response.
//
// The body parse is best-effort: an unrecognizable body still yields a usable
// error with the status code and a redacted body snippet.
func newProviderError(statusCode int, header http.Header, body []byte) *ProviderError {
	perr := &ProviderError{StatusCode: statusCode}

	var envelope providerErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		perr.Type = envelope.Error.Type
		perr.Message = SafeLogString(envelope.Error.Message)
	} else {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		perr.Message = SafeLogString(snippet)
	}

	if header != nil {
		perr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return perr
}

// parseRetryAfter handles both Retry-After forms: delay-seconds and HTTP-date.
// Unparseable or past values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
