// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// This package contains middleware for authentication, authorization,
// and request processing. It integrates with the extensions package
// to support enterprise features.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it using the configured AuthProvider, and stores the resulting
// AuthInfo in the Gin context for downstream handlers. It then derives the
// caller's Identity (role plus field restrictions) from the AuthInfo, which
// the assistant handler uses to seed the conversation's visibility rules.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   ├─► Store AuthInfo in context
//	   │
//	   └─► Derive and store Identity (role, restrictions)
//	           │
//	           ▼
//	       Handler (retrieves via GetIdentity)
//
// # Open Source Behavior
//
// When using NopAuthProvider (default), all requests are authenticated
// as "local-user" with the admin role and no field restrictions. This
// enables local single-user deployments without any authentication
// infrastructure.
//
// # Enterprise Behavior
//
// Enterprise implementations validate tokens against identity providers
// (Okta, Auth0, Azure AD) and return real user identity information,
// including per-user field restrictions in the AuthInfo metadata under
// the "restrictions" key.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCRM/pkg/extensions"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
// Using a typed key prevents collisions with other context values.
const authInfoKey = "aleutian_auth_info"

// identityKey is the context key for storing the derived Identity.
const identityKey = "aleutian_identity"

// =============================================================================
// Identity
// =============================================================================

// Identity is the caller's resolved identity for one request.
//
// # Description
//
// Identity collapses the provider-specific AuthInfo into the three things
// the assistant actually consumes: who is asking, what role governs their
// data visibility, and which field restrictions apply on top of the role.
// It is derived once per request by AuthMiddleware and never changes for
// the duration of the conversation turn.
//
// # Fields
//
//   - UserID: Stable identifier of the authenticated user.
//   - Role: Visibility role (e.g. "admin", "sales", "support", "readonly").
//     Defaults to "readonly" when the provider supplies no roles.
//   - Restrictions: Per-user field restrictions from the provider's
//     metadata, in addition to whatever the policy engine derives from
//     the role. Empty for the open source NopAuthProvider.
type Identity struct {
	UserID       string
	Role         string
	Restrictions []datatypes.Restriction
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication.
// The stored AuthInfo can be retrieved by handlers via GetAuthInfo.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//   - info: Authenticated user information. May be nil.
//
// # Limitations
//
//   - Only valid for current request (context is request-scoped)
//   - Overwrites any previously set auth info
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Description
//
// Called by handlers to access the authenticated user's identity.
// Returns nil if no AuthInfo is present (request not authenticated).
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated
//
// # Limitations
//
//   - Returns nil if SetAuthInfo was not called or called with nil
//   - Returns nil if stored value is wrong type (defensive)
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// SetIdentity stores the derived caller identity in the Gin context.
func SetIdentity(c *gin.Context, identity *Identity) {
	c.Set(identityKey, identity)
}

// GetIdentity retrieves the derived caller identity from the Gin context.
//
// # Description
//
// Called by handlers to access the resolved role and restrictions.
// Returns nil if AuthMiddleware did not run for this request.
//
// # Outputs
//
//   - *Identity: Resolved identity, or nil if not authenticated.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetIdentity(c *gin.Context) *Identity {
	if v, exists := c.Get(identityKey); exists {
		if identity, ok := v.(*Identity); ok {
			return identity
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// using the provided AuthProvider, and stores the resulting AuthInfo and
// derived Identity in the context for downstream handlers.
//
// # Token Extraction
//
// The middleware expects tokens in the Authorization header:
//
//	Authorization: Bearer <token>
//
// If the header is missing or malformed, the token passed to Validate
// will be empty string. NopAuthProvider accepts this and returns local-user.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	// Apply to route group
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Does not support multiple authentication schemes
//   - Does not cache validation results (validates every request)
//
// # Assumptions
//
//   - Provider is non-nil and ready for use
//   - Provider.Validate is safe for concurrent calls
//   - ErrUnauthorized is used for auth failures (other errors treated as failures too)
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Extract bearer token from Authorization header
		token := extractBearerToken(c)

		// Validate token using the provider
		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			// Check if it's an authorization error
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			// Other errors (provider failures, network issues, etc.)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		// Store auth info in context for handlers
		SetAuthInfo(c, authInfo)
		SetIdentity(c, deriveIdentity(authInfo))

		// Continue to next handler
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses the Authorization header expecting format: "Bearer <token>"
// Returns empty string if header is missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: The extracted token, or empty string if not found
//
// # Examples
//
//	// Header: "Authorization: Bearer abc123"
//	token := extractBearerToken(c)
//	// token == "abc123"
//
// # Limitations
//
//   - Only extracts Bearer tokens, not Basic or other schemes
//   - Token whitespace is trimmed
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// deriveIdentity collapses AuthInfo into the Identity consumed by handlers.
//
// # Description
//
// The role is the provider's first role; a caller with no roles gets
// "readonly", the most restrictive visibility tier. Field restrictions
// come from the "restrictions" metadata key when present. Providers
// deliver metadata as decoded JSON (maps and slices of any), so the
// restrictions are recovered with a JSON round-trip rather than type
// assertions over the nested shape.
//
// # Inputs
//
//   - info: Validated auth info. May be nil (yields a readonly identity).
//
// # Outputs
//
//   - *Identity: Never nil.
func deriveIdentity(info *extensions.AuthInfo) *Identity {
	identity := &Identity{Role: "readonly"}
	if info == nil {
		return identity
	}

	identity.UserID = info.UserID
	if len(info.Roles) > 0 && info.Roles[0] != "" {
		identity.Role = info.Roles[0]
	}

	raw, ok := info.Metadata[extensions.MetadataKeyRestrictions]
	if !ok || raw == nil {
		return identity
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return identity
	}
	var restrictions []datatypes.Restriction
	if err := json.Unmarshal(data, &restrictions); err != nil {
		return identity
	}
	identity.Restrictions = restrictions

	return identity
}
