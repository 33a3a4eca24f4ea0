// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package syncer pulls account and transaction data from the aggregator on
// a per-user schedule, persists it, and publishes change events. One sync
// run per (user, source) pair is in flight at any time; a tick that lands
// while the previous run is still going is skipped, not queued.
package syncer

import (
	"context"
	"fmt"

	"github.com/coinflow/coinflow/internal/aggregator"
	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/models"
)

// EventPublisher is the slice of the event bus the sync layer needs.
type EventPublisher interface {
	Publish(t event.Type, payload interface{}, targetUsers []string) bool
}

// AccountSyncer refreshes cached account balances and announces changes.
// The cache is the comparison baseline: an event goes out only when the
// fetched balances differ from what the cache last saw for the pair.
type AccountSyncer struct {
	agg    aggregator.Client
	cache  *cache.Cache
	events EventPublisher
}

// NewAccountSyncer creates an account syncer.
func NewAccountSyncer(agg aggregator.Client, c *cache.Cache, events EventPublisher) *AccountSyncer {
	return &AccountSyncer{agg: agg, cache: c, events: events}
}

// Sync fetches current balances for one source and publishes an
// account.update targeted at the owning user if anything changed.
func (s *AccountSyncer) Sync(ctx context.Context, userID string, source models.Source) error {
	balances, err := s.agg.GetBalances(ctx, source.CredentialRef)
	if err != nil {
		return fmt.Errorf("get balances for %s/%s: %w", userID, source.SourceID, err)
	}

	key := balanceKey(userID, source.SourceID)
	if prev, ok := s.cache.Get(key); ok {
		if prevBalances, ok := prev.([]models.Balance); ok && balancesEqual(prevBalances, balances) {
			return nil
		}
	}

	s.cache.Set(key, balances)
	s.events.Publish(event.TypeAccountUpdate, event.AccountUpdatePayload{
		UserID:   userID,
		Balances: balances,
	}, []string{userID})

	logging.Debug().Str("user_id", userID).Str("source_id", source.SourceID).Int("accounts", len(balances)).Msg("balances updated")
	return nil
}

func balanceKey(userID, sourceID string) string {
	return fmt.Sprintf("balances:%s:%s", userID, sourceID)
}

// balancesEqual compares two balance sets pairwise. Order matters; the
// aggregator reports accounts in a stable order.
func balancesEqual(a, b []models.Balance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
