// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coinflow/coinflow/internal/cache"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(time.Minute)
	t.Cleanup(c.Close)
	return c
}

type recordedDelivery struct {
	connID string
	evt    *Event
}

// recordingSink collects deliveries and can be told to fail for specific
// connection IDs.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
	failConns  map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failConns: make(map[string]bool)}
}

func (s *recordingSink) Deliver(connID string, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConns[connID] {
		return errors.New("transport closed")
	}
	s.deliveries = append(s.deliveries, recordedDelivery{connID: connID, evt: evt})
	return nil
}

func (s *recordingSink) delivered() []recordedDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedDelivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

func (s *recordingSink) deliveredTo(connID string) []recordedDelivery {
	var out []recordedDelivery
	for _, d := range s.delivered() {
		if d.connID == connID {
			out = append(out, d)
		}
	}
	return out
}

func startBus(t *testing.T, registry *SubscriptionRegistry, sink DeliverySink) *Bus {
	t.Helper()
	relayCache := newTestCache(t)
	bus := NewBus(registry, relayCache, sink, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Let the per-type subscribers attach before the test publishes.
	time.Sleep(50 * time.Millisecond)
	return bus
}

// waitForDeliveries polls until the sink has at least n deliveries or the
// deadline passes.
func waitForDeliveries(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.delivered()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, len(sink.delivered()))
}

func TestPublishRejectsUnknownType(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	bus := startBus(t, registry, sink)

	if bus.Publish(Type("nonsense"), map[string]string{"k": "v"}, nil) {
		t.Error("Publish accepted an unknown event type")
	}
	if bus.Publish(TypeGoalUpdate, make(chan int), nil) {
		t.Error("Publish accepted an unmarshalable payload")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	bus := startBus(t, registry, sink)

	mustSubscribe(t, registry, "c1", "alice", TypeAccountUpdate)
	mustSubscribe(t, registry, "c2", "bob", TypeAccountUpdate)
	mustSubscribe(t, registry, "c3", "carol", TypeGoalUpdate)

	if !bus.Publish(TypeAccountUpdate, AccountUpdatePayload{UserID: "alice"}, nil) {
		t.Fatal("Publish failed")
	}
	waitForDeliveries(t, sink, 2)

	if got := len(sink.deliveredTo("c1")); got != 1 {
		t.Errorf("c1 got %d events, want 1", got)
	}
	if got := len(sink.deliveredTo("c2")); got != 1 {
		t.Errorf("c2 got %d events, want 1", got)
	}
	if got := len(sink.deliveredTo("c3")); got != 0 {
		t.Errorf("c3 subscribed to a different type but got %d events", got)
	}
}

func TestTargetedDeliveryExcludesUntargetedUsers(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	bus := startBus(t, registry, sink)

	mustSubscribe(t, registry, "c1", "alice", TypeGoalUpdate)
	mustSubscribe(t, registry, "c2", "bob", TypeGoalUpdate)
	mustSubscribe(t, registry, "c3", "carol", TypeGoalUpdate)

	payload := GoalUpdatePayload{UserID: "alice", GoalID: "g-1"}
	if !bus.Publish(TypeGoalUpdate, payload, []string{"alice", "bob"}) {
		t.Fatal("Publish failed")
	}
	waitForDeliveries(t, sink, 2)
	// Carol must stay excluded even after the targeted deliveries land.
	time.Sleep(100 * time.Millisecond)

	if got := len(sink.deliveredTo("c1")); got != 1 {
		t.Errorf("targeted alice got %d events, want 1", got)
	}
	if got := len(sink.deliveredTo("c2")); got != 1 {
		t.Errorf("targeted bob got %d events, want 1", got)
	}
	if got := len(sink.deliveredTo("c3")); got != 0 {
		t.Errorf("untargeted carol got %d events, want 0", got)
	}
}

func TestPerTypeOrderingPreserved(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	bus := startBus(t, registry, sink)

	mustSubscribe(t, registry, "c1", "alice", TypeTransactionCreate)

	const n = 20
	for i := 0; i < n; i++ {
		payload := TransactionCreatePayload{UserID: "alice", SourceID: string(rune('a' + i))}
		if !bus.Publish(TypeTransactionCreate, payload, nil) {
			t.Fatalf("Publish %d failed", i)
		}
	}
	waitForDeliveries(t, sink, n)

	got := sink.deliveredTo("c1")
	for i, d := range got {
		p, err := DecodePayload(d.evt)
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if want := string(rune('a' + i)); p.(*TransactionCreatePayload).SourceID != want {
			t.Fatalf("delivery %d out of order: got source %q, want %q", i, p.(*TransactionCreatePayload).SourceID, want)
		}
	}
}

func TestDeliveryFailureDoesNotAffectOtherRecipients(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	sink.failConns["c1"] = true
	bus := startBus(t, registry, sink)

	mustSubscribe(t, registry, "c1", "alice", TypeAccountUpdate)
	mustSubscribe(t, registry, "c2", "bob", TypeAccountUpdate)

	if !bus.Publish(TypeAccountUpdate, AccountUpdatePayload{UserID: "alice"}, nil) {
		t.Fatal("Publish failed")
	}
	waitForDeliveries(t, sink, 1)

	if got := len(sink.deliveredTo("c2")); got != 1 {
		t.Errorf("healthy recipient got %d events, want 1", got)
	}
}

func TestRecentEventsReturnsRelayCopies(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sink := newRecordingSink()
	bus := startBus(t, registry, sink)

	if !bus.Publish(TypeBudgetUpdate, BudgetUpdatePayload{UserID: "alice", BudgetID: "b-1"}, nil) {
		t.Fatal("Publish failed")
	}
	if !bus.Publish(TypeBudgetUpdate, BudgetUpdatePayload{UserID: "alice", BudgetID: "b-2"}, nil) {
		t.Fatal("Publish failed")
	}

	recent := bus.RecentEvents(TypeBudgetUpdate)
	if len(recent) != 2 {
		t.Fatalf("RecentEvents = %d events, want 2", len(recent))
	}
	if recent := bus.RecentEvents(TypeGoalUpdate); len(recent) != 0 {
		t.Errorf("RecentEvents for unpublished type = %d, want 0", len(recent))
	}
}

func mustSubscribe(t *testing.T, r *SubscriptionRegistry, connID, userID string, types ...Type) {
	t.Helper()
	if err := r.Subscribe(connID, userID, types); err != nil {
		t.Fatalf("Subscribe(%s): %v", connID, err)
	}
}
