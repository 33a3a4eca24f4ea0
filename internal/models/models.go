// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package models defines the core data types shared across the sync and
// event-distribution components.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleStatus is the lifecycle state of a sync schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
	ScheduleFailed ScheduleStatus = "failed"
)

// SyncCursor marks a position in the aggregator's change stream for one
// user/source pair. A nil/empty cursor means "sync from the beginning".
// The cursor is only persisted after its batch has been fully applied.
type SyncCursor struct {
	UserID       string    `json:"user_id"`
	SourceID     string    `json:"source_id"`
	Cursor       string    `json:"cursor"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// SyncSchedule describes the periodic sync job for one user.
type SyncSchedule struct {
	UserID              string         `json:"user_id"`
	Sources             []Source       `json:"sources"`
	Interval            time.Duration  `json:"interval"`
	LastRunAt           time.Time      `json:"last_run_at"`
	NextRunAt           time.Time      `json:"next_run_at"`
	Status              ScheduleStatus `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

// Source identifies one linked financial institution for a user, together
// with the opaque reference to its stored credential. The credential itself
// never passes through this system.
type Source struct {
	SourceID      string `json:"source_id"`
	CredentialRef string `json:"credential_ref"`
}

// Balance is the point-in-time balance set for a single account as reported
// by the aggregator.
type Balance struct {
	AccountID string          `json:"account_id"`
	Current   decimal.Decimal `json:"current"`
	Available decimal.Decimal `json:"available"`
	Limit     decimal.Decimal `json:"limit"`
}

// Equal reports whether two balances carry the same amounts for the same
// account. Decimal comparison is by value, not representation.
func (b Balance) Equal(other Balance) bool {
	return b.AccountID == other.AccountID &&
		b.Current.Equal(other.Current) &&
		b.Available.Equal(other.Available) &&
		b.Limit.Equal(other.Limit)
}

// Transaction is a single financial transaction as ingested from the
// aggregator, keyed for deduplication.
type Transaction struct {
	ExternalID  string          `json:"external_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Pending     bool            `json:"pending"`
	DedupKey    string          `json:"dedup_key"`
}

// ComputeDedupKey derives the stable deduplication key for a transaction.
// The external ID is authoritative when present; otherwise a hash over the
// identifying fields stands in, so the same record always maps to the same
// key regardless of how many times the aggregator replays it.
func (t *Transaction) ComputeDedupKey() string {
	if t.ExternalID != "" {
		return t.ExternalID
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s",
		t.AccountID, t.Amount.String(), t.Date.UTC().Format("2006-01-02"), t.Description)))
	return hex.EncodeToString(h[:])
}

// Validate checks the fields a transaction must carry before it may be
// persisted. Records failing validation are dropped individually; the rest
// of their batch still applies.
func (t *Transaction) Validate() error {
	if t.AccountID == "" {
		return &ValidationError{Field: "account_id", Message: "required"}
	}
	if t.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "required"}
	}
	if t.ExternalID == "" && t.Description == "" {
		return &ValidationError{Field: "external_id", Message: "need external_id or description for dedup key"}
	}
	return nil
}

// RemovedTransaction identifies a transaction the aggregator has retracted.
type RemovedTransaction struct {
	ExternalID string `json:"external_id"`
	AccountID  string `json:"account_id"`
}

// ValidationError describes a malformed record from the aggregator.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}
