// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// ExportMode selects how an export request is fulfilled.
//
// Description:
//
//	Small result sets are written immediately ("direct"). Larger sets first
//	come back as an estimate ("estimate") carrying a confirmation token; the
//	caller re-issues the request as "confirmed" with that token to start the
//	background job.
type ExportMode string

const (
	ExportDirect    ExportMode = "direct"
	ExportEstimate  ExportMode = "estimate"
	ExportConfirmed ExportMode = "confirmed"
)

var validExportModes = map[ExportMode]bool{
	ExportDirect:    true,
	ExportEstimate:  true,
	ExportConfirmed: true,
}

// IsValid checks if the ExportMode is a valid value.
func (m ExportMode) IsValid() bool {
	return validExportModes[m]
}

// ExportStatus tracks the lifecycle of a background export job.
type ExportStatus string

const (
	ExportStatusPending   ExportStatus = "pending"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
)

var validExportStatuses = map[ExportStatus]bool{
	ExportStatusPending:   true,
	ExportStatusRunning:   true,
	ExportStatusCompleted: true,
	ExportStatusFailed:    true,
}

// IsValid checks if the ExportStatus is a valid value.
func (s ExportStatus) IsValid() bool {
	return validExportStatuses[s]
}

// IsTerminal reports whether the job can no longer change state.
func (s ExportStatus) IsTerminal() bool {
	return s == ExportStatusCompleted || s == ExportStatusFailed
}

// =============================================================================
// Export Request / Estimate
// =============================================================================

// ExportSpec describes what an export should contain.
//
// Description:
//
//	The spec is produced by the model when it calls the export tool and is
//	carried unchanged through estimation and confirmation, so a confirmed
//	run exports exactly the set that was estimated.
//
// Fields:
//   - Table: Source table for the export
//   - Query: Search expression limiting the record set; empty exports all
//   - DateFrom, DateTo: Optional date window applied server-side
//   - Columns: Explicit column list; empty exports the default set
//   - IncludeDerived: Whether to compute derived columns (owner names,
//     last-activity dates) that require per-batch lookups
type ExportSpec struct {
	Table          string     `json:"table" validate:"required"`
	Query          string     `json:"query,omitempty"`
	DateFrom       *time.Time `json:"date_from,omitempty"`
	DateTo         *time.Time `json:"date_to,omitempty"`
	Columns        []string   `json:"columns,omitempty"`
	IncludeDerived bool       `json:"include_derived,omitempty"`
}

// ExportEstimateResult is returned when a request exceeds the direct-write
// ceiling.
//
// The ConfirmationToken binds a later confirmed run to this estimate; tokens
// are single-use and expire.
type ExportEstimateResult struct {
	TotalRecords      int       `json:"total_records"`
	ConfirmationToken string    `json:"confirmation_token"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Expired reports whether the estimate's confirmation window has passed.
func (e *ExportEstimateResult) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// =============================================================================
// Export Job
// =============================================================================

// ExportJob is the persistent record of one background export.
//
// Description:
//
//	Jobs survive orchestrator restarts: the registry persists every state
//	transition, and a completed job keeps its file reference until the TTL
//	sweeper reclaims it. Progress fields are written by the export worker
//	and read by the progress streamer, always through the registry.
//
// Fields:
//   - JobID: Registry key, a UUID assigned at creation
//   - SessionID: Conversation that requested the export
//   - Spec: What is being exported
//   - Status: Current lifecycle state
//   - TotalRecords: Count fixed at estimation time
//   - ProcessedRecords: Monotonically increasing batch progress
//   - DegradedBatches: Batches whose derived columns were blanked after an
//     enrichment failure; the export still completes
//   - FileName: Name of the produced file within the export store
//   - FileURL: Download location, set only on completion
//   - Error: Failure detail, set only on ExportStatusFailed
type ExportJob struct {
	JobID            string       `json:"job_id"`
	SessionID        string       `json:"session_id"`
	Spec             ExportSpec   `json:"spec"`
	Status           ExportStatus `json:"status"`
	TotalRecords     int          `json:"total_records"`
	ProcessedRecords int          `json:"processed_records"`
	DegradedBatches  int          `json:"degraded_batches,omitempty"`
	FileName         string       `json:"file_name,omitempty"`
	FileURL          string       `json:"file_url,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// Validate checks structural validity of the job record.
func (j *ExportJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("export job missing job_id")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("unknown export status %q", j.Status)
	}
	if j.ProcessedRecords < 0 || j.TotalRecords < 0 {
		return fmt.Errorf("negative record counts on job %s", j.JobID)
	}
	return nil
}

// ExportProgress is the wire payload for export_progress stream events.
type ExportProgress struct {
	JobID     string `json:"job_id"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// ExportFileReady is the wire payload for file_ready stream events.
type ExportFileReady struct {
	JobID    string `json:"job_id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Records  int    `json:"records"`
}
