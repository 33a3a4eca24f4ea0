// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package event

import (
	"fmt"
	"sync"
)

// Subscriber identifies one live connection's interest in an event type.
type Subscriber struct {
	ConnID string
	UserID string
}

// SubscriptionRegistry maps connections to the event types they subscribed
// to, with an inverted index per type so publishing never scans the full
// connection set. Only the connection manager and the bus mutate it.
type SubscriptionRegistry struct {
	mu sync.RWMutex

	// byConn: connection ID -> owning user + subscribed types.
	byConn map[string]*connSubscriptions

	// byType: event type -> set of subscribed connection IDs.
	byType map[Type]map[string]struct{}
}

type connSubscriptions struct {
	userID string
	types  map[Type]struct{}
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byConn: make(map[string]*connSubscriptions),
		byType: make(map[Type]map[string]struct{}),
	}
}

// Subscribe registers interest in the given types for a connection.
// Idempotent: subscribing to an already-subscribed type is a no-op. All
// requested types are validated before any mutation, so a bad request
// changes nothing.
func (r *SubscriptionRegistry) Subscribe(connID, userID string, types []Type) error {
	for _, t := range types {
		if !ValidType(t) {
			return fmt.Errorf("unknown event type %q", t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[connID]
	if !ok {
		subs = &connSubscriptions{userID: userID, types: make(map[Type]struct{})}
		r.byConn[connID] = subs
	}
	for _, t := range types {
		subs.types[t] = struct{}{}
		set, ok := r.byType[t]
		if !ok {
			set = make(map[string]struct{})
			r.byType[t] = set
		}
		set[connID] = struct{}{}
	}
	return nil
}

// Unsubscribe removes interest in the given types for a connection. Types
// the connection never subscribed to are ignored. A nil/empty slice removes
// every subscription the connection holds.
func (r *SubscriptionRegistry) Unsubscribe(connID string, types []Type) error {
	for _, t := range types {
		if !ValidType(t) {
			return fmt.Errorf("unknown event type %q", t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[connID]
	if !ok {
		return nil
	}

	if len(types) == 0 {
		for t := range subs.types {
			types = append(types, t)
		}
	}

	for _, t := range types {
		delete(subs.types, t)
		if set, ok := r.byType[t]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byType, t)
			}
		}
	}
	if len(subs.types) == 0 {
		delete(r.byConn, connID)
	}
	return nil
}

// RemoveConnection drops every subscription owned by a connection. Called
// when the connection closes.
func (r *SubscriptionRegistry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[connID]
	if !ok {
		return
	}
	for t := range subs.types {
		if set, ok := r.byType[t]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byType, t)
			}
		}
	}
	delete(r.byConn, connID)
}

// SubscribersOf returns the connections subscribed to a type. The result is
// a copy and safe to iterate without holding the registry lock.
func (r *SubscriptionRegistry) SubscribersOf(t Type) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byType[t]
	if !ok {
		return nil
	}
	subscribers := make([]Subscriber, 0, len(set))
	for connID := range set {
		if subs, ok := r.byConn[connID]; ok {
			subscribers = append(subscribers, Subscriber{ConnID: connID, UserID: subs.userID})
		}
	}
	return subscribers
}

// TypesOf returns the event types a connection is subscribed to.
func (r *SubscriptionRegistry) TypesOf(connID string) []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	types := make([]Type, 0, len(subs.types))
	for t := range subs.types {
		types = append(types, t)
	}
	return types
}
