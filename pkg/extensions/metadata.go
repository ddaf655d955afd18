// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// =============================================================================
// Metadata Type
// =============================================================================

// Metadata stores arbitrary key-value pairs for context and logging.
//
// Using a defined type rather than map[string]any provides:
//   - Clearer intent in function signatures
//   - Ability to add methods for type-safe access
//   - Compile-time distinction from arbitrary maps
//
// # Common Keys
//
// While Metadata is flexible, these keys are commonly used:
//   - "restrictions": per-user field restrictions (MetadataKeyRestrictions)
//   - "session_id": conversation session identifier
//   - "request_id": request correlation ID
//   - "user_id": user performing the action
//   - "model": model identifier used
//   - "rounds": model rounds consumed by a turn
//   - "error": error message if applicable
//   - "duration_ms": operation duration
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Do not share a single Metadata instance
// across goroutines without external synchronization.
//
// Example:
//
//	meta := extensions.NewMetadata().
//	    Set("session_id", sessionID).
//	    Set("rounds", 3).
//	    Set("duration_ms", int64(150))
//
//	if sessionID, ok := meta.GetString("session_id"); ok {
//	    // type-safe access
//	}
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
//
// This is the preferred way to create Metadata instances.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the Metadata for chaining.
//
// Example:
//
//	meta := NewMetadata().
//	    Set("session_id", "sess-123").
//	    Set("user_id", "user-456")
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get retrieves a value by key.
//
// Returns the value and a boolean indicating whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString retrieves a string value by key.
//
// Returns the string and true if the key exists and the value is a
// string, otherwise "" and false.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// GetInt retrieves an int value by key.
//
// Returns the int and true if the key exists and the value is an int,
// otherwise 0 and false. No numeric coercion is attempted.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetInt64 retrieves an int64 value by key.
func (m Metadata) GetInt64(key string) (int64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int64)
	return i, ok
}

// GetFloat64 retrieves a float64 value by key.
func (m Metadata) GetFloat64(key string) (float64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

// GetBool retrieves a bool value by key.
//
// The second return reports whether the key exists and holds a bool:
//
//	if mfa, ok := meta.GetBool("mfa_verified"); ok && mfa {
//	    // MFA was used
//	}
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime retrieves a time.Time value by key.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has checks if a key exists, regardless of its value (including nil).
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes a key and returns the Metadata for chaining.
func (m Metadata) Delete(key string) Metadata {
	delete(m, key)
	return m
}

// Clone creates a shallow copy of the Metadata.
//
// Values themselves are not deep-copied; pointer values in the clone
// alias the same underlying data.
func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies all key-value pairs from another Metadata into this one.
// Existing keys are overwritten. A nil other is a no-op.
func (m Metadata) Merge(other Metadata) Metadata {
	if other == nil {
		return m
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Keys returns all keys. Order is not guaranteed.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of key-value pairs.
func (m Metadata) Len() int {
	return len(m)
}
