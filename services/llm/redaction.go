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

import "regexp"

// redactionPattern pairs a compiled regex with a labeled replacement, so the
// log reader knows what class of secret was present without seeing its value.
type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is ordered most-specific-first: the Anthropic prefix must
// match before the generic sk- prefix would.
var redactionPatterns = []redactionPattern{
	{
		Pattern:     regexp.MustCompile(`sk-ant-api03-[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED:anthropic_key]",
	},
	{
		Pattern:     regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		Replacement: "[REDACTED:openai_key]",
	},
	{
		Pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "[REDACTED:bearer_token]",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(x-api-key:\s*)[^\s]{8,}`),
		Replacement: "${1}[REDACTED]",
	},
	{
		Pattern:     regexp.MustCompile(`password=[^\s&]{3,}`),
		Replacement: "password=[REDACTED]",
	},
}

// SafeLogString redacts known secret patterns from a string before logging.
//
// Description:
//
//	Provider error bodies and header dumps can echo credentials back; every
//	string from a provider that might reach a log line goes through here
//	first. Detection is pattern-based only: a secret in an unknown format
//	passes through unchanged.
//
// Inputs:
//   - s: The string to redact. Empty string is valid and returns empty.
//
// Outputs:
//   - string: The input with matched secrets replaced by labeled placeholders.
//
// Thread Safety: This function is safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactionPatterns {
		s = p.Pattern.ReplaceAllString(s, p.Replacement)
	}
	return s
}
