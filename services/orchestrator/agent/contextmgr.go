// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Context management: the two rewrites that keep a long conversation inside
// the model's useful context. Trim bounds the history the client sent;
// Compact collapses stale tool rounds between loop iterations. Both return
// new message slices and never touch their input.

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

const (
	// trimThreshold is the history length above which Trim rewrites the
	// prefix. At or below it the history passes through whole.
	trimThreshold = 6

	// trimKeepRecent is how many trailing messages survive a trim verbatim.
	// With the two synthetic messages the output is always exactly
	// trimKeepRecent+2 long.
	trimKeepRecent = 4

	// minCompactRounds is the completed-tool-round count below which Compact
	// is a no-op. The newest round must stay at full fidelity; with only one
	// round there is nothing older to collapse.
	minCompactRounds = 2

	// compactPrefixChars bounds fallback summaries of unrecognized content.
	compactPrefixChars = 80

	// compactErrorChars bounds summarized error lines.
	compactErrorChars = 120
)

// Synthetic messages installed by Trim in place of the dropped prefix.
const (
	trimNoticeText = "[Earlier conversation history was trimmed to fit the context window. " +
		"The most recent exchange follows.]"
	trimAckText = "Understood. Continuing from the recent context."
)

// TrimHistory bounds an incoming conversation history.
//
// # Description
//
// Histories at or under the threshold pass through as deep copies. Longer
// ones are rewritten to exactly trimKeepRecent+2 messages: a synthetic user
// notice that earlier context was dropped, a synthetic assistant
// acknowledgment, then the last trimKeepRecent messages verbatim. The newest
// user question always sits inside the kept tail, so the model always sees
// the turn it is answering.
//
// If the kept tail starts with tool results whose tool_use partners were
// trimmed away, those blocks are rewritten to plain text: providers reject
// orphaned tool_result blocks, and their content is still useful as text.
//
// # Inputs
//
//   - messages: Client-supplied history, oldest first.
//
// # Outputs
//
//   - []datatypes.Message: Bounded history. Always a fresh slice.
func TrimHistory(messages []datatypes.Message) []datatypes.Message {
	if len(messages) <= trimThreshold {
		return cloneMessages(messages)
	}

	kept := cloneMessages(messages[len(messages)-trimKeepRecent:])
	neutralizeOrphanedResults(&kept[0])

	out := make([]datatypes.Message, 0, trimKeepRecent+2)
	out = append(out,
		datatypes.NewTextMessage(datatypes.RoleUser, trimNoticeText),
		datatypes.NewTextMessage(datatypes.RoleAssistant, trimAckText),
	)
	return append(out, kept...)
}

// neutralizeOrphanedResults rewrites tool_result blocks whose pairing
// assistant message was trimmed away into plain text blocks.
func neutralizeOrphanedResults(msg *datatypes.Message) {
	if msg.Role != datatypes.RoleUser || !msg.HasToolResult() {
		return
	}
	for i, block := range msg.Content {
		if block.IsToolResult() {
			msg.Content[i] = datatypes.NewTextBlock(
				fmt.Sprintf("[result of an earlier lookup] %s", block.Content))
		}
	}
	msg.PlainText = false
}

// CompactHistory collapses stale tool rounds to one-line summaries.
//
// # Description
//
// A tool round is a user message made of tool_result blocks. With fewer than
// two such rounds the history returns unchanged: the only round is the one
// the model still needs to answer from. Otherwise every round except the
// newest is rewritten in place:
//
//   - Each tool_result's content becomes a one-line summary picked by shape
//     heuristics (see summarizeToolContent).
//   - The paired assistant message's tool_use inputs are cleared to {},
//     since the verbose arguments explain nothing once the result is a
//     summary.
//
// Message count and order never change, and compacting an already compacted
// history changes nothing: summaries are short and shapeless, so they fall
// through the heuristics untouched.
//
// # Inputs
//
//   - messages: Conversation history, oldest first.
//
// # Outputs
//
//   - []datatypes.Message: Compacted history. Always a fresh slice.
func CompactHistory(messages []datatypes.Message) []datatypes.Message {
	out := cloneMessages(messages)

	var toolRounds []int
	for i := range out {
		if out[i].Role == datatypes.RoleUser && out[i].HasToolResult() {
			toolRounds = append(toolRounds, i)
		}
	}
	if len(toolRounds) < minCompactRounds {
		return out
	}

	// Everything but the newest round collapses.
	for _, idx := range toolRounds[:len(toolRounds)-1] {
		compactRound(out, idx)
	}
	return out
}

// compactRound rewrites one stale tool round: the tool-result message at
// idx and its preceding assistant tool_use message.
func compactRound(messages []datatypes.Message, idx int) {
	msg := &messages[idx]
	for i, block := range msg.Content {
		if block.IsToolResult() {
			msg.Content[i].Content = summarizeToolContent(block.Content)
		}
	}

	// The pairing assistant message is the nearest one before the results.
	for j := idx - 1; j >= 0; j-- {
		if messages[j].Role != datatypes.RoleAssistant {
			continue
		}
		if messages[j].HasToolUse() {
			for i, block := range messages[j].Content {
				if block.IsToolUse() {
					messages[j].Content[i].Input = datatypes.EmptyJSONObject
				}
			}
		}
		break
	}
}

// summarizeToolContent maps a tool result body to its one-line summary.
//
// The heuristics cover the shapes this service's own tools produce; anything
// unrecognized keeps a truncated prefix so the semantic thread survives even
// for foreign content resent by a client.
func summarizeToolContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		if errText, ok := decoded["error"].(string); ok {
			return compactTruncate("Error: "+errText, compactErrorChars)
		}
		if total, ok := decoded["totalCount"].(float64); ok {
			if _, hasResults := decoded["results"]; hasResults {
				return fmt.Sprintf("Search: %d results", int(total))
			}
		}
		if counts, ok := decoded["counts"].(map[string]any); ok {
			returned, _ := counts["returned"].(float64)
			total, _ := counts["totalMatched"].(float64)
			return fmt.Sprintf("Related: %d of %d records", int(returned), int(total))
		}
		if records, ok := decoded["records"].([]any); ok {
			return fmt.Sprintf("Returned %d records", len(records))
		}
		if results, ok := decoded["results"].([]any); ok {
			return fmt.Sprintf("Returned %d records", len(results))
		}
	}

	if strings.HasPrefix(strings.ToLower(trimmed), "error") ||
		strings.HasPrefix(strings.ToLower(trimmed), "access to") {
		return compactTruncate(trimmed, compactErrorChars)
	}
	return compactTruncate(trimmed, compactPrefixChars)
}

// compactTruncate cuts a summary line at a rune boundary with an ellipsis.
func compactTruncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// cloneMessages deep-copies a message slice.
func cloneMessages(messages []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}
