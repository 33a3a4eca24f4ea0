// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package aggregator provides the typed client for the external
// financial-data provider. Callers only ever see the three-error taxonomy
// from errors.go; provider-specific status codes are mapped here.
package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/coinflow/coinflow/internal/config"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
	"github.com/coinflow/coinflow/internal/models"
)

// Client is the interface the sync layer consumes. Implemented by HTTPClient
// in production and by fakes in tests.
type Client interface {
	// GetBalances fetches current balances for every account reachable
	// through the credential.
	GetBalances(ctx context.Context, credentialRef string) ([]models.Balance, error)

	// SyncTransactions fetches the change set since cursor. An empty cursor
	// requests the full history. The returned next cursor must only be
	// persisted after the batch has been fully applied.
	SyncTransactions(ctx context.Context, credentialRef, cursor string) (*SyncResult, error)
}

// SyncResult is one page of the provider's change stream.
type SyncResult struct {
	Added      []models.Transaction        `json:"added"`
	Modified   []models.Transaction        `json:"modified"`
	Removed    []models.RemovedTransaction `json:"removed"`
	NextCursor string                      `json:"next_cursor"`
}

// HTTPClient talks to the provider's REST API with a per-request timeout,
// client-side rate limiting, and a circuit breaker.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*SyncResult]
	cbBal   *gobreaker.CircuitBreaker[[]models.Balance]
}

// NewHTTPClient creates a provider client from configuration.
//
// Circuit breaker settings follow the provider's documented abuse limits:
// the circuit opens after a 60% failure rate across at least 10 requests and
// probes again after two minutes.
func NewHTTPClient(cfg config.AggregatorConfig) *HTTPClient {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	settings := gobreaker.Settings{
		Name:        "aggregator-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		cb:      gobreaker.NewCircuitBreaker[*SyncResult](settings),
		cbBal:   gobreaker.NewCircuitBreaker[[]models.Balance](settings),
	}
}

type balancesRequest struct {
	CredentialRef string `json:"credential_ref"`
}

type balancesResponse struct {
	Balances []models.Balance `json:"balances"`
}

type syncRequest struct {
	CredentialRef string `json:"credential_ref"`
	Cursor        string `json:"cursor,omitempty"`
}

// GetBalances implements Client.
func (c *HTTPClient) GetBalances(ctx context.Context, credentialRef string) ([]models.Balance, error) {
	balances, err := c.cbBal.Execute(func() ([]models.Balance, error) {
		var resp balancesResponse
		if err := c.post(ctx, "/v1/accounts/balances", balancesRequest{CredentialRef: credentialRef}, &resp); err != nil {
			return nil, err
		}
		return resp.Balances, nil
	})
	c.recordOutcome("balances", err)
	if err != nil {
		return nil, c.mapBreakerErr(err)
	}
	return balances, nil
}

// SyncTransactions implements Client.
func (c *HTTPClient) SyncTransactions(ctx context.Context, credentialRef, cursor string) (*SyncResult, error) {
	result, err := c.cb.Execute(func() (*SyncResult, error) {
		var resp SyncResult
		if err := c.post(ctx, "/v1/transactions/sync", syncRequest{CredentialRef: credentialRef, Cursor: cursor}, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	c.recordOutcome("transactions", err)
	if err != nil {
		return nil, c.mapBreakerErr(err)
	}
	return result, nil
}

// post performs one provider API call and maps the response status to the
// error taxonomy.
func (c *HTTPClient) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are all transient from the
		// caller's perspective.
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusConflict:
		return ErrCursorConflict
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: provider returned %d", ErrTransientNetwork, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("aggregator: unexpected status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransientNetwork, err)
	}
	return nil
}

// mapBreakerErr folds gobreaker's own errors into the transient bucket so
// callers see a single retryable class.
func (c *HTTPClient) mapBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	return err
}

func (c *HTTPClient) recordOutcome(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.AggregatorRequests.WithLabelValues(operation, outcome).Inc()
}
