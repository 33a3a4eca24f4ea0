// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package cache provides a thread-safe in-memory key/value store with TTL
// support. It serves two roles: a short-TTL relay for published events and a
// cache for account balances and sync cursors.
//
// Key enumeration is done through explicit index sets maintained alongside
// the entries (AddToIndex/IndexMembers) rather than pattern scans; index
// membership is updated under the same lock as the entry itself.
package cache

import (
	"sync"
	"time"
)

// cleanupInterval is how often the background sweep removes expired entries.
const cleanupInterval = 1 * time.Minute

// Entry represents a cached item with expiration.
type Entry struct {
	Data      interface{}
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Keys      int
}

// Cache is a thread-safe in-memory store with per-entry TTL and explicit
// secondary indexes.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	indexes    map[string]map[string]struct{}
	defaultTTL time.Duration

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache with the given default TTL and starts the background
// cleanup goroutine. A zero defaultTTL means entries set via Set never expire
// unless SetWithTTL is used.
//
//	c := cache.New(5 * time.Minute)
//	c.Set("balances:u1", balances)
//	if v, ok := c.Get("balances:u1"); ok { ... }
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		entries:    make(map[string]Entry),
		indexes:    make(map[string]map[string]struct{}),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value by key. Expired entries are removed on access and
// count as misses.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if entry.expired(time.Now()) {
		c.mu.Lock()
		// The entry may have been replaced since the read; only evict if
		// the current one is still expired.
		cur, ok := c.entries[key]
		if ok && cur.expired(time.Now()) {
			delete(c.entries, key)
			c.mu.Unlock()
			c.recordEviction()
		} else {
			c.mu.Unlock()
		}
		c.recordMiss()
		return nil, false
	}

	c.recordHit()
	return entry.Data, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A zero ttl means the entry
// never expires.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = Entry{Data: value, ExpiresAt: expires}
	c.mu.Unlock()
}

// Delete removes a key. Deleting a missing key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// AddToIndex records key membership in the named index set, creating the
// index if needed. The index is the enumeration mechanism for related keys
// (e.g. the set of relay keys per event type).
func (c *Cache) AddToIndex(index, key string) {
	c.mu.Lock()
	set, ok := c.indexes[index]
	if !ok {
		set = make(map[string]struct{})
		c.indexes[index] = set
	}
	set[key] = struct{}{}
	c.mu.Unlock()
}

// RemoveFromIndex drops key membership from the named index set.
func (c *Cache) RemoveFromIndex(index, key string) {
	c.mu.Lock()
	if set, ok := c.indexes[index]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.indexes, index)
		}
	}
	c.mu.Unlock()
}

// IndexMembers returns the current members of the named index. Members whose
// entries have expired are pruned from the result and the index.
func (c *Cache) IndexMembers(index string) []string {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.indexes[index]
	if !ok {
		return nil
	}

	members := make([]string, 0, len(set))
	for key := range set {
		entry, exists := c.entries[key]
		if !exists || entry.expired(now) {
			delete(set, key)
			delete(c.entries, key)
			continue
		}
		members = append(members, key)
	}
	if len(set) == 0 {
		delete(c.indexes, index)
	}
	return members
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
	c.statsMu.Unlock()

	c.mu.RLock()
	s.Keys = len(c.entries)
	c.mu.RUnlock()
	return s
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			c.recordEvictionLocked()
		}
	}
	for index, set := range c.indexes {
		for key := range set {
			if _, ok := c.entries[key]; !ok {
				delete(set, key)
			}
		}
		if len(set) == 0 {
			delete(c.indexes, index)
		}
	}
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func (c *Cache) recordEviction() {
	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
}

// recordEvictionLocked is recordEviction for callers already holding mu;
// statsMu is still taken since it is a separate lock.
func (c *Cache) recordEvictionLocked() {
	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
}
