// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCRM/pkg/extensions"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/ttl"
)

// SetupRoutes registers all HTTP routes on the router.
//
// Everything under /v1 passes through AuthMiddleware; /health and /metrics
// stay open for probes and scrapes.
func SetupRoutes(router *gin.Engine, loop *agent.Loop, registry *exportstore.JobRegistry,
	store exportstore.Store, filter ttl.RetentionFilter, opts extensions.ServiceOptions) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		assistant := handlers.NewAssistantHandler(loop, opts)
		v1.POST("/assistant/chat", assistant.HandleAssistantChat)
		v1.GET("/assistant/ws", handlers.HandleAssistantWS(loop))

		// Export job inspection and file download. The two wildcards sit
		// under distinct literal segments; gin's tree rejects a bare
		// /exports/:id next to /exports/files.
		exports := handlers.NewExportsHandler(registry, store, filter)
		v1.GET("/exports/jobs/:id", exports.HandleGetExport)
		v1.GET("/exports/files/:name", exports.HandleDownloadExport)
	}
}
