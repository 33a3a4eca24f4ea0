// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/coinflow/coinflow/internal/aggregator"
	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
	"github.com/coinflow/coinflow/internal/models"
	"github.com/coinflow/coinflow/internal/store"
)

// TransactionSyncer pulls the incremental transaction stream for one
// user/source pair, applies it atomically, and announces new rows. The
// cursor only advances after the batch commits, so a crash between fetch
// and apply replays the batch and the dedup key absorbs the duplicates.
type TransactionSyncer struct {
	agg    aggregator.Client
	store  store.Store
	cache  *cache.Cache
	events EventPublisher
}

// NewTransactionSyncer creates a transaction syncer.
func NewTransactionSyncer(agg aggregator.Client, st store.Store, c *cache.Cache, events EventPublisher) *TransactionSyncer {
	return &TransactionSyncer{agg: agg, store: st, cache: c, events: events}
}

// Sync runs one incremental pull for a source. A cursor the provider no
// longer accepts triggers exactly one full resync from the beginning;
// dedup makes the replay a no-op for rows already present.
func (s *TransactionSyncer) Sync(ctx context.Context, userID string, source models.Source) error {
	cursor := ""
	if cur, err := s.store.GetCursor(ctx, userID, source.SourceID); err == nil {
		cursor = cur.Cursor
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load cursor for %s/%s: %w", userID, source.SourceID, err)
	}

	result, err := s.agg.SyncTransactions(ctx, source.CredentialRef, cursor)
	if errors.Is(err, aggregator.ErrCursorConflict) {
		logging.Warn().Str("user_id", userID).Str("source_id", source.SourceID).Msg("cursor rejected by provider, falling back to full resync")
		result, err = s.agg.SyncTransactions(ctx, source.CredentialRef, "")
	}
	if err != nil {
		return fmt.Errorf("sync transactions for %s/%s: %w", userID, source.SourceID, err)
	}

	added := s.prepare(userID, source.SourceID, result.Added)
	modified := s.prepare(userID, source.SourceID, result.Modified)

	inserted, err := s.store.ApplyBatch(ctx, userID, source.SourceID, added, modified, result.Removed, result.NextCursor)
	if err != nil {
		return fmt.Errorf("apply batch for %s/%s: %w", userID, source.SourceID, err)
	}

	// Cache copy of the committed cursor for cheap inspection; the store
	// row is authoritative.
	s.cache.Set(fmt.Sprintf("sync_cursor:%s:%s", userID, source.SourceID), result.NextCursor)

	metrics.TransactionsIngested.Add(float64(len(inserted)))
	if dup := len(added) - len(inserted); dup > 0 {
		metrics.TransactionsDeduplicated.Add(float64(dup))
	}

	if len(inserted) > 0 {
		s.events.Publish(event.TypeTransactionCreate, event.TransactionCreatePayload{
			UserID:       userID,
			SourceID:     source.SourceID,
			Transactions: inserted,
		}, []string{userID})
	}

	logging.Debug().
		Str("user_id", userID).
		Str("source_id", source.SourceID).
		Int("added", len(inserted)).
		Int("modified", len(modified)).
		Int("removed", len(result.Removed)).
		Msg("transaction sync applied")
	return nil
}

// prepare validates incoming records and stamps their dedup keys. Invalid
// records are dropped one by one; the rest of the batch goes through.
func (s *TransactionSyncer) prepare(userID, sourceID string, txns []models.Transaction) []models.Transaction {
	valid := make([]models.Transaction, 0, len(txns))
	for _, txn := range txns {
		if err := txn.Validate(); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Str("source_id", sourceID).Msg("malformed transaction dropped")
			continue
		}
		txn.DedupKey = txn.ComputeDedupKey()
		valid = append(valid, txn)
	}
	return valid
}
