// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package event

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
)

// DeliverySink delivers an event to one live connection. Implemented by the
// connection manager; a returned error means the transport is dead and the
// sink has already begun cleaning the connection up.
type DeliverySink interface {
	Deliver(connID string, evt *Event) error
}

// Bus is the typed publish/subscribe relay. Events flow through an
// in-process Watermill channel per event type, which is what guarantees
// FIFO ordering per type per connection; the cache only holds short-TTL
// relay copies for best-effort replay, it is not the delivery path.
type Bus struct {
	pubsub   *gochannel.GoChannel
	registry *SubscriptionRegistry
	cache    *cache.Cache
	sink     DeliverySink
	relayTTL time.Duration
}

// NewBus creates a bus wired to the given registry, relay cache, and
// delivery sink.
func NewBus(registry *SubscriptionRegistry, relayCache *cache.Cache, sink DeliverySink, relayTTL time.Duration) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, newWatermillLogger()),
		registry: registry,
		cache:    relayCache,
		sink:     sink,
		relayTTL: relayTTL,
	}
}

// String names the bus for supervisor logs.
func (b *Bus) String() string { return "event-bus" }

// Publish validates the type, stores a relay copy, and enqueues the event
// for fan-out. It returns false instead of an error: a failed publish is
// logged and counted, and per-recipient delivery failures downstream are
// isolated per recipient and never fail other deliveries.
func (b *Bus) Publish(t Type, payload interface{}, targetUsers []string) bool {
	evt, err := New(t, payload, targetUsers)
	if err != nil {
		logging.Warn().Err(err).Str("type", string(t)).Msg("event rejected")
		return false
	}

	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error().Err(err).Str("type", string(t)).Msg("event marshal failed")
		return false
	}

	// Relay copy for best-effort replay within the TTL window. The index
	// set is the enumeration mechanism; no key scans.
	relayKey := fmt.Sprintf("events:%s:%s", t, uuid.NewString())
	b.cache.SetWithTTL(relayKey, evt, b.relayTTL)
	b.cache.AddToIndex(relayIndex(t), relayKey)

	if err := b.pubsub.Publish(topic(t), message.NewMessage(watermill.NewUUID(), data)); err != nil {
		logging.Error().Err(err).Str("type", string(t)).Msg("event enqueue failed")
		return false
	}

	metrics.EventsPublished.WithLabelValues(string(t)).Inc()
	return true
}

// RecentEvents returns the relay copies for a type that are still within
// the TTL window, for best-effort replay to a reconnecting local consumer.
func (b *Bus) RecentEvents(t Type) []*Event {
	keys := b.cache.IndexMembers(relayIndex(t))
	events := make([]*Event, 0, len(keys))
	for _, key := range keys {
		if v, ok := b.cache.Get(key); ok {
			if evt, ok := v.(*Event); ok {
				events = append(events, evt)
			}
		}
	}
	return events
}

// Serve subscribes to every known event type and dispatches until the
// context is canceled. One dispatcher goroutine per type keeps per-type
// FIFO while leaving cross-type ordering unspecified. Designed to run under
// suture supervision.
func (b *Bus) Serve(ctx context.Context) error {
	for _, t := range KnownTypes {
		messages, err := b.pubsub.Subscribe(ctx, topic(t))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
		go b.dispatch(t, messages)
	}

	<-ctx.Done()
	if err := b.pubsub.Close(); err != nil {
		logging.Warn().Err(err).Msg("event bus close")
	}
	return ctx.Err()
}

func (b *Bus) dispatch(t Type, messages <-chan *message.Message) {
	for msg := range messages {
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			logging.Error().Err(err).Str("type", string(t)).Msg("undecodable event dropped")
			msg.Ack()
			continue
		}

		for _, sub := range b.registry.SubscribersOf(evt.Type) {
			if !evt.TargetsUser(sub.UserID) {
				continue
			}
			if err := b.sink.Deliver(sub.ConnID, &evt); err != nil {
				// Dead transport; the sink cleans the connection up.
				// Other recipients are unaffected.
				metrics.EventsDropped.Inc()
				logging.Debug().Err(err).Str("conn_id", sub.ConnID).Str("type", string(evt.Type)).Msg("event delivery failed")
				continue
			}
			metrics.EventsDelivered.Inc()
		}
		msg.Ack()
	}
}

func topic(t Type) string { return string(t) }

func relayIndex(t Type) string { return "events:" + string(t) }
