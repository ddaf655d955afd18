// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/ttl"
)

// =============================================================================
// Handler Definition
// =============================================================================

// ExportsHandler serves export job lookups and file downloads.
//
// # Description
//
// Export jobs outlive the conversation turn that created them: the
// file_ready event carries a download URL the user may follow minutes or
// days later. This handler resolves job IDs against the Badger registry
// and streams finished files from the export store.
//
// Expired artifacts are indistinguishable from ones that never existed.
// Both lookups apply the retention filter before answering, so a client
// holding a stale URL gets 404 whether the sweeper has already purged
// the artifact or merely will on its next cycle.
//
// # Fields
//
//   - registry: Badger-backed export job registry.
//   - store: Export file store (local directory or GCS bucket).
//   - filter: Retention filter shared with the TTL sweeper.
//
// # Thread Safety
//
// Safe for concurrent use; all collaborators are thread-safe.
type ExportsHandler struct {
	registry *exportstore.JobRegistry
	store    exportstore.Store
	filter   ttl.RetentionFilter
}

// NewExportsHandler creates the export download handler.
//
// # Inputs
//
//   - registry: Export job registry. Must not be nil.
//   - store: Export file store. Must not be nil.
//   - filter: Retention filter. Must not be nil.
//
// # Outputs
//
//   - *ExportsHandler: Ready for route registration.
func NewExportsHandler(registry *exportstore.JobRegistry, store exportstore.Store, filter ttl.RetentionFilter) *ExportsHandler {
	if registry == nil {
		panic("NewExportsHandler: registry must not be nil")
	}
	if store == nil {
		panic("NewExportsHandler: store must not be nil")
	}
	if filter == nil {
		panic("NewExportsHandler: filter must not be nil")
	}
	return &ExportsHandler{
		registry: registry,
		store:    store,
		filter:   filter,
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleGetExport returns one export job's status and file metadata.
//
// # Description
//
// Handles GET /v1/exports/jobs/:id requests. Returns the job record as stored
// in the registry: status, record counts, and (once completed) the file
// name and download URL.
//
// # Inputs
//
//   - c: Gin context. Path parameter "id" is the export job ID.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: Job record as JSON.
//   - 404 Not Found: Unknown, purged, or expired job ID.
//   - 500 Internal Server Error: Registry failure.
func (h *ExportsHandler) HandleGetExport(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.registry.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, exportstore.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "export not found"})
		return
	}
	if err != nil {
		slog.Error("Export job lookup failed", "error", err, "jobId", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export lookup failed"})
		return
	}

	lastUpdate := job.UpdatedAt
	if lastUpdate.IsZero() {
		lastUpdate = job.CreatedAt
	}
	if h.filter.IsExpired(lastUpdate) {
		c.JSON(http.StatusNotFound, gin.H{"error": "export not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// HandleDownloadExport streams one finished export file.
//
// # Description
//
// Handles GET /v1/exports/files/:name requests, the route the store
// embeds in file_ready download URLs. The file is streamed as a CSV
// attachment.
//
// # Inputs
//
//   - c: Gin context. Path parameter "name" is the export file name.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: File content (text/csv, attachment disposition).
//   - 404 Not Found: Unknown or expired file name.
//   - 500 Internal Server Error: Store failure.
//
// # Limitations
//
//   - Range requests are not supported; downloads restart from zero.
func (h *ExportsHandler) HandleDownloadExport(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	// Resolve the file's metadata first: the store's listing carries the
	// modification time the retention filter gates on.
	files, err := h.store.List(ctx)
	if err != nil {
		slog.Error("Export store listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export download failed"})
		return
	}

	var info *exportstore.FileInfo
	for i := range files {
		if files[i].Name == name {
			info = &files[i]
			break
		}
	}
	if info == nil || h.filter.IsExpired(info.ModTime) {
		c.JSON(http.StatusNotFound, gin.H{"error": "export not found"})
		return
	}

	reader, err := h.store.Open(ctx, name)
	if errors.Is(err, exportstore.ErrFileNotFound) {
		// Deleted between listing and open (sweeper race).
		c.JSON(http.StatusNotFound, gin.H{"error": "export not found"})
		return
	}
	if err != nil {
		slog.Error("Export file open failed", "error", err, "file", name)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export download failed"})
		return
	}
	defer reader.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Length", fmt.Sprintf("%d", info.Size))

	if _, err := io.Copy(c.Writer, reader); err != nil {
		// Headers are already out; nothing to do but log.
		slog.Error("Export file stream interrupted", "error", err, "file", name)
	}
}
