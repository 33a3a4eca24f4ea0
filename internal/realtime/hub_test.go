// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coinflow/coinflow/internal/auth"
	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/event"
)

// fakeTransport is an in-memory Transport. Inbound frames are fed through
// the inbound channel; outbound frames are recorded.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan interface{}
	written  []interface{}
	pings    int
	closed   bool
	closedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan interface{}, 16),
		closedCh: make(chan struct{}),
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (t *fakeTransport) ReadJSON(v interface{}) error {
	select {
	case frame, ok := <-t.inbound:
		if !ok {
			return errors.New("inbound closed")
		}
		if err, isErr := frame.(error); isErr {
			return err
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	case <-t.closedCh:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.written = append(t.written, v)
	return nil
}

func (t *fakeTransport) WritePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.pings++
	return nil
}

func (t *fakeTransport) SetReadLimit(int64)                  {}
func (t *fakeTransport) SetReadDeadline(time.Time) error     { return nil }
func (t *fakeTransport) SetWriteDeadline(time.Time) error    { return nil }
func (t *fakeTransport) SetPongHandler(func(string) error)   {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return nil
}

func (t *fakeTransport) writtenFrames() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]interface{}, len(t.written))
	copy(out, t.written)
	return out
}

// stubVerifier maps token "token-<user>" to "<user>" and rejects the rest.
type stubVerifier struct{}

func (stubVerifier) Verify(token string) (string, error) {
	var userID string
	if _, err := fmt.Sscanf(token, "token-%s", &userID); err != nil || userID == "" {
		return "", auth.ErrInvalidToken
	}
	return userID, nil
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *event.SubscriptionRegistry, *cache.Cache) {
	t.Helper()
	if cfg.MaxConnectionsPerUser == 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour // keep pings out of the way unless the test wants them
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 16
	}
	registry := event.NewSubscriptionRegistry()
	connCache := cache.New(time.Minute)
	t.Cleanup(connCache.Close)
	return NewHub(registry, stubVerifier{}, connCache, cfg), registry, connCache
}

func settle() { time.Sleep(50 * time.Millisecond) }

func TestConnectRejectsBadToken(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{})

	if _, err := hub.Connect(newFakeTransport(), "garbage"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Connect with bad token: got %v, want ErrInvalidToken", err)
	}
	if n := hub.ConnectionCount(""); n != 0 {
		t.Errorf("ConnectionCount = %d after rejected connect, want 0", n)
	}
}

func TestConnectEnforcesPerUserCap(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{MaxConnectionsPerUser: 2})

	for i := 0; i < 2; i++ {
		if _, err := hub.Connect(newFakeTransport(), "token-alice"); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if _, err := hub.Connect(newFakeTransport(), "token-alice"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("third connect: got %v, want ErrCapacityExceeded", err)
	}

	// The cap is per user, not global.
	if _, err := hub.Connect(newFakeTransport(), "token-bob"); err != nil {
		t.Errorf("bob's connect blocked by alice's cap: %v", err)
	}
	if n := hub.ConnectionCount("alice"); n != 2 {
		t.Errorf("alice ConnectionCount = %d, want 2", n)
	}
}

func TestDisconnectFreesCapSlot(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{MaxConnectionsPerUser: 1})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	hub.disconnect(conn, "test")
	settle()

	if _, err := hub.Connect(newFakeTransport(), "token-alice"); err != nil {
		t.Errorf("reconnect after disconnect rejected: %v", err)
	}
}

func TestSubscribeViaWireMessage(t *testing.T) {
	hub, registry, _ := newTestHub(t, Config{})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.inbound <- clientMessage{Action: "subscribe", EventTypes: []string{"account.update", "goal.update"}}
	settle()

	subs := registry.SubscribersOf(event.TypeAccountUpdate)
	if len(subs) != 1 || subs[0].ConnID != conn.ID() {
		t.Fatalf("SubscribersOf = %+v, want the new connection", subs)
	}

	var sawAck bool
	for _, frame := range transport.writtenFrames() {
		if r, ok := frame.(controlReply); ok && r.Type == "subscribed" {
			sawAck = true
		}
	}
	if !sawAck {
		t.Error("no subscribed ack written to transport")
	}

	transport.inbound <- clientMessage{Action: "unsubscribe", EventTypes: []string{"account.update"}}
	settle()
	if subs := registry.SubscribersOf(event.TypeAccountUpdate); len(subs) != 0 {
		t.Errorf("still subscribed after unsubscribe: %+v", subs)
	}
	if types := registry.TypesOf(conn.ID()); len(types) != 1 || types[0] != event.TypeGoalUpdate {
		t.Errorf("TypesOf = %v, want [goal.update]", types)
	}
}

func TestSubscribeUnknownTypeGetsErrorReply(t *testing.T) {
	hub, registry, _ := newTestHub(t, Config{})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.inbound <- clientMessage{Action: "subscribe", EventTypes: []string{"account.update", "bogus"}}
	settle()

	if types := registry.TypesOf(conn.ID()); len(types) != 0 {
		t.Errorf("rejected subscribe mutated registry: %v", types)
	}
	var sawError bool
	for _, frame := range transport.writtenFrames() {
		if r, ok := frame.(controlReply); ok && r.Type == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error reply for unknown event type")
	}
}

func TestApplicationPingGetsPong(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{})

	transport := newFakeTransport()
	if _, err := hub.Connect(transport, "token-alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.inbound <- clientMessage{Type: "ping"}
	settle()

	var sawPong bool
	for _, frame := range transport.writtenFrames() {
		if r, ok := frame.(controlReply); ok && r.Type == "pong" {
			sawPong = true
		}
	}
	if !sawPong {
		t.Error("no pong reply to application ping")
	}
}

func TestDeliverWritesEventToTransport(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	evt, err := event.New(event.TypeAccountUpdate, event.AccountUpdatePayload{UserID: "alice"}, nil)
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	if err := hub.Deliver(conn.ID(), evt); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	settle()

	var sawEvent bool
	for _, frame := range transport.writtenFrames() {
		if e, ok := frame.(*event.Event); ok && e.Type == event.TypeAccountUpdate {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("delivered event never written to transport")
	}
}

func TestDeliverToUnknownConnection(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{})

	evt, err := event.New(event.TypeAccountUpdate, event.AccountUpdatePayload{UserID: "alice"}, nil)
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	if err := hub.Deliver("ws_conn:alice:missing", evt); !errors.Is(err, ErrConnectionGone) {
		t.Errorf("Deliver to unknown conn: got %v, want ErrConnectionGone", err)
	}
}

func TestHeartbeatTimeoutReclaimsConnection(t *testing.T) {
	hub, registry, connCache := newTestHub(t, Config{})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := registry.Subscribe(conn.ID(), "alice", []event.Type{event.TypeAccountUpdate}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Simulate the read deadline firing.
	transport.inbound <- error(timeoutError{})
	settle()

	if n := hub.ConnectionCount("alice"); n != 0 {
		t.Errorf("ConnectionCount = %d after heartbeat timeout, want 0", n)
	}
	if subs := registry.SubscribersOf(event.TypeAccountUpdate); len(subs) != 0 {
		t.Errorf("subscriptions survived heartbeat timeout: %+v", subs)
	}
	if _, ok := connCache.Get(conn.ID()); ok {
		t.Error("connection record survived heartbeat timeout")
	}
	if members := connCache.IndexMembers("ws_conn:alice"); len(members) != 0 {
		t.Errorf("connection index survived heartbeat timeout: %v", members)
	}
}

func TestConnectMirrorsConnectionIntoCache(t *testing.T) {
	hub, _, connCache := newTestHub(t, Config{})

	transport := newFakeTransport()
	conn, err := hub.Connect(transport, "token-alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, ok := connCache.Get(conn.ID()); !ok {
		t.Error("connection record missing from cache")
	}
	members := connCache.IndexMembers("ws_conn:alice")
	if len(members) != 1 || members[0] != conn.ID() {
		t.Errorf("IndexMembers = %v, want [%s]", members, conn.ID())
	}
}
