// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package event implements the typed publish/subscribe relay that fans
// changes out to connected client sessions. Event types form a closed set;
// publishing an unknown type is rejected, and payload decoding handles every
// type exhaustively.
package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/coinflow/coinflow/internal/models"
)

// Type identifies one kind of event in the closed set.
type Type string

// The closed set of event types clients may subscribe to.
const (
	TypeAccountUpdate     Type = "account.update"
	TypeTransactionCreate Type = "transaction.create"
	TypeBudgetUpdate      Type = "budget.update"
	TypeGoalUpdate        Type = "goal.update"
	TypeInvestmentUpdate  Type = "investment.update"
	TypeSyncFailed        Type = "sync.failed"
)

// KnownTypes lists every valid event type in a stable order.
var KnownTypes = []Type{
	TypeAccountUpdate,
	TypeTransactionCreate,
	TypeBudgetUpdate,
	TypeGoalUpdate,
	TypeInvestmentUpdate,
	TypeSyncFailed,
}

var knownTypeSet = func() map[Type]struct{} {
	set := make(map[Type]struct{}, len(KnownTypes))
	for _, t := range KnownTypes {
		set[t] = struct{}{}
	}
	return set
}()

// ValidType reports whether t belongs to the known set.
func ValidType(t Type) bool {
	_, ok := knownTypeSet[t]
	return ok
}

// Event is the wire-visible unit of distribution. Immutable once published;
// its lifetime in the relay cache is bounded by a short TTL.
//
// Wire shape: {"type": string, "payload": object, "timestamp": number,
// "target_users": [string]|null}. A nil TargetUsers means broadcast to all
// subscribers of the type.
type Event struct {
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   float64         `json:"timestamp"`
	TargetUsers []string        `json:"target_users"`
}

// New constructs an event with the current timestamp. The payload must
// marshal to JSON; payload structs below are the expected shapes.
func New(t Type, payload interface{}, targetUsers []string) (*Event, error) {
	if !ValidType(t) {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Event{
		Type:        t,
		Payload:     raw,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		TargetUsers: targetUsers,
	}, nil
}

// TargetsUser reports whether userID should receive this event, either
// because it is a broadcast or because the user is explicitly targeted.
func (e *Event) TargetsUser(userID string) bool {
	if e.TargetUsers == nil {
		return true
	}
	for _, u := range e.TargetUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// AccountUpdatePayload accompanies TypeAccountUpdate.
type AccountUpdatePayload struct {
	UserID   string           `json:"user_id"`
	Balances []models.Balance `json:"balances"`
}

// TransactionCreatePayload accompanies TypeTransactionCreate.
type TransactionCreatePayload struct {
	UserID       string               `json:"user_id"`
	SourceID     string               `json:"source_id"`
	Transactions []models.Transaction `json:"transactions"`
}

// BudgetUpdatePayload accompanies TypeBudgetUpdate.
type BudgetUpdatePayload struct {
	UserID   string          `json:"user_id"`
	BudgetID string          `json:"budget_id"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// GoalUpdatePayload accompanies TypeGoalUpdate.
type GoalUpdatePayload struct {
	UserID string          `json:"user_id"`
	GoalID string          `json:"goal_id"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// InvestmentUpdatePayload accompanies TypeInvestmentUpdate.
type InvestmentUpdatePayload struct {
	UserID    string          `json:"user_id"`
	AccountID string          `json:"account_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// SyncFailedPayload accompanies TypeSyncFailed.
type SyncFailedPayload struct {
	UserID   string `json:"user_id"`
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// DecodePayload decodes an event's payload into its type-specific struct.
// The switch covers the full closed set; an unknown type here indicates a
// bug upstream, since publish validates types.
func DecodePayload(e *Event) (interface{}, error) {
	switch e.Type {
	case TypeAccountUpdate:
		var p AccountUpdatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeTransactionCreate:
		var p TransactionCreatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeBudgetUpdate:
		var p BudgetUpdatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeGoalUpdate:
		var p GoalUpdatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeInvestmentUpdate:
		var p InvestmentUpdatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeSyncFailed:
		var p SyncFailedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
