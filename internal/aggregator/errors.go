// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package aggregator

import "errors"

var (
	// ErrTransientNetwork marks failures worth retrying: timeouts, connection
	// resets, 5xx responses, and an open circuit breaker.
	ErrTransientNetwork = errors.New("aggregator: transient network error")

	// ErrAuthExpired marks a credential the provider no longer accepts.
	// Not retryable; the owning schedule must be paused and the user notified.
	ErrAuthExpired = errors.New("aggregator: credential expired")

	// ErrCursorConflict marks a sync cursor the provider reports as invalid
	// or expired. The caller falls back to a full resync with a nil cursor.
	ErrCursorConflict = errors.New("aggregator: cursor invalid or expired")
)
