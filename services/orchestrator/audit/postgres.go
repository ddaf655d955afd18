// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gormdatatypes "gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// roundEntity is the persisted form of one audit round. Tool calls keep
// their full shape as jsonb so restriction denials and error text stay
// queryable without schema churn.
type roundEntity struct {
	ID           uint               `gorm:"primaryKey"`
	RequestID    string             `gorm:"size:64;index"`
	SessionID    string             `gorm:"size:64;index"`
	UserRole     string             `gorm:"size:32"`
	Round        int
	Model        string             `gorm:"size:128"`
	StopReason   string             `gorm:"size:32"`
	ToolCalls    gormdatatypes.JSON `gorm:"type:jsonb"`
	InputTokens  int
	OutputTokens int
	Timestamp    time.Time          `gorm:"index"`
	CreatedAt    time.Time
}

// TableName pins the table name regardless of naming strategy.
func (roundEntity) TableName() string {
	return "audit_rounds"
}

// PostgresSink stores audit rounds in a Postgres table via GORM.
//
// # Thread Safety
//
// Safe for concurrent use. GORM connections pool internally.
type PostgresSink struct {
	db *gorm.DB
}

var _ agent.AuditSink = (*PostgresSink)(nil)

// NewPostgresSink connects to Postgres and migrates the audit table.
//
// # Inputs
//
//   - ctx: Context for the migration
//   - dsn: Postgres connection string. Must not be empty.
//
// # Outputs
//
//   - *PostgresSink: The connected sink
//   - error: Non-nil if connection or migration fails
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, errors.New("audit database DSN is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	return NewPostgresSinkWithDB(ctx, db)
}

// NewPostgresSinkWithDB wraps an existing GORM connection and migrates the
// audit table.
func NewPostgresSinkWithDB(ctx context.Context, db *gorm.DB) (*PostgresSink, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if err := db.WithContext(ctx).AutoMigrate(&roundEntity{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// RecordRound inserts one audit record.
func (s *PostgresSink) RecordRound(ctx context.Context, round datatypes.AuditRound) error {
	entity, err := mapRound(round)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("insert audit round: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RoundsForRequest loads all rounds of one request, oldest first. Used by
// the admin CLI to reconstruct what a request did.
func (s *PostgresSink) RoundsForRequest(ctx context.Context, requestID string) ([]datatypes.AuditRound, error) {
	var entities []roundEntity
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("round ASC").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("load audit rounds: %w", err)
	}

	rounds := make([]datatypes.AuditRound, 0, len(entities))
	for _, entity := range entities {
		round, err := mapEntity(entity)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	return rounds, nil
}

// mapRound converts the wire record to its persisted form.
func mapRound(round datatypes.AuditRound) (*roundEntity, error) {
	entity := &roundEntity{
		RequestID:    round.RequestID,
		SessionID:    round.SessionID,
		UserRole:     round.UserRole,
		Round:        round.Round,
		Model:        round.Model,
		StopReason:   round.StopReason,
		InputTokens:  round.Usage.InputTokens,
		OutputTokens: round.Usage.OutputTokens,
		Timestamp:    round.Timestamp,
	}

	if len(round.ToolCalls) > 0 {
		data, err := json.Marshal(round.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		entity.ToolCalls = gormdatatypes.JSON(data)
	}

	return entity, nil
}

// mapEntity converts a persisted row back to the wire record.
func mapEntity(entity roundEntity) (datatypes.AuditRound, error) {
	round := datatypes.AuditRound{
		RequestID:  entity.RequestID,
		SessionID:  entity.SessionID,
		UserRole:   entity.UserRole,
		Round:      entity.Round,
		Model:      entity.Model,
		StopReason: entity.StopReason,
		Usage: datatypes.TokenUsage{
			InputTokens:  entity.InputTokens,
			OutputTokens: entity.OutputTokens,
		},
		Timestamp: entity.Timestamp,
	}

	if len(entity.ToolCalls) > 0 {
		if err := json.Unmarshal(entity.ToolCalls, &round.ToolCalls); err != nil {
			return datatypes.AuditRound{}, fmt.Errorf("decode tool calls: %w", err)
		}
	}

	return round, nil
}
