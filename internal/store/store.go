// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package store provides durable storage for sync cursors, deduplicated
// transactions, and sync schedules. Dedup is enforced by a UNIQUE constraint
// on the transaction dedup key, not by application-level checks, so
// concurrent appliers cannot race their way into duplicates.
package store

import (
	"context"
	"errors"

	"github.com/coinflow/coinflow/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface the sync layer consumes.
type Store interface {
	// GetCursor returns the persisted cursor for a user/source pair.
	// ErrNotFound means no sync has completed yet (start from scratch).
	GetCursor(ctx context.Context, userID, sourceID string) (*models.SyncCursor, error)

	// ApplyBatch atomically applies one aggregator change set and persists
	// the new cursor. Either everything commits (dedup inserts, modified
	// updates, removals, cursor) or nothing does. The returned slice holds
	// only the transactions that were actually new after dedup.
	ApplyBatch(ctx context.Context, userID, sourceID string,
		added, modified []models.Transaction,
		removed []models.RemovedTransaction,
		newCursor string) ([]models.Transaction, error)

	// GetSchedule returns the persisted sync schedule for a user.
	GetSchedule(ctx context.Context, userID string) (*models.SyncSchedule, error)

	// PutSchedule inserts or replaces a user's sync schedule.
	PutSchedule(ctx context.Context, schedule *models.SyncSchedule) error

	// DeleteSchedule removes a user's sync schedule. Missing rows are not
	// an error.
	DeleteSchedule(ctx context.Context, userID string) error

	// ListSchedules returns every persisted schedule, for restart recovery.
	ListSchedules(ctx context.Context) ([]*models.SyncSchedule, error)

	// CountTransactions returns the number of live (non-removed) rows for
	// a user/source pair.
	CountTransactions(ctx context.Context, userID, sourceID string) (int, error)

	// ListTransactions returns the live (non-removed) transactions for a
	// user/source pair, newest first.
	ListTransactions(ctx context.Context, userID, sourceID string) ([]models.Transaction, error)
}
