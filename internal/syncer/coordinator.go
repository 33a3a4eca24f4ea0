// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coinflow/coinflow/internal/aggregator"
	"github.com/coinflow/coinflow/internal/config"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
	"github.com/coinflow/coinflow/internal/models"
	"github.com/coinflow/coinflow/internal/store"
)

// ErrNoSources is returned when a schedule request names no sources.
var ErrNoSources = errors.New("syncer: schedule needs at least one source")

// ErrScheduleNotFound is returned when operating on a user with no schedule.
var ErrScheduleNotFound = errors.New("syncer: schedule not found")

type flightKey struct {
	userID   string
	sourceID string
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the sync schedules: one runner goroutine per scheduled
// user, ticking at the schedule's interval. A (user, source) pair has at
// most one sync in flight; overlapping triggers are skipped. Schedules are
// persisted on every state change and recovered on startup.
type Coordinator struct {
	store        store.Store
	accounts     *AccountSyncer
	transactions *TransactionSyncer
	events       EventPublisher
	cfg          config.SyncConfig
	retry        RetryPolicy

	// baseCtx parents every runner; Serve cancels it on shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	runners  map[string]*runner
	inFlight map[flightKey]struct{}
}

// NewCoordinator creates a coordinator. Serve must be running before
// schedules make progress.
func NewCoordinator(st store.Store, accounts *AccountSyncer, transactions *TransactionSyncer, events EventPublisher, cfg config.SyncConfig) *Coordinator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        st,
		accounts:     accounts,
		transactions: transactions,
		events:       events,
		cfg:          cfg,
		retry:        DefaultRetryPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		runners:      make(map[string]*runner),
		inFlight:     make(map[flightKey]struct{}),
	}
}

// String names the coordinator for supervisor logs.
func (c *Coordinator) String() string { return "sync-coordinator" }

// Serve recovers persisted schedules and blocks until the context is
// canceled, then stops every runner. Designed to run under suture
// supervision.
func (c *Coordinator) Serve(ctx context.Context) error {
	schedules, err := c.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("recover schedules: %w", err)
	}
	recovered := 0
	for _, sched := range schedules {
		if sched.Status != models.ScheduleActive {
			continue
		}
		c.startRunner(sched)
		recovered++
	}
	logging.Info().Str("component", "sync-coordinator").Int("recovered", recovered).Msg("sync coordinator started")

	<-ctx.Done()
	c.cancelBase()

	c.mu.Lock()
	runners := make([]*runner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.mu.Unlock()
	for _, r := range runners {
		<-r.done
	}
	logging.Info().Str("component", "sync-coordinator").Msg("sync coordinator stopped")
	return ctx.Err()
}

// Schedule creates or replaces the periodic sync for a user. A zero
// interval takes the default; anything under the floor is clamped up.
func (c *Coordinator) Schedule(ctx context.Context, userID string, sources []models.Source, interval time.Duration) (*models.SyncSchedule, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Message: "required"}
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if interval <= 0 {
		interval = c.cfg.DefaultInterval
	}
	if interval < c.cfg.MinInterval {
		interval = c.cfg.MinInterval
	}

	now := time.Now().UTC()
	sched := &models.SyncSchedule{
		UserID:    userID,
		Sources:   sources,
		Interval:  interval,
		NextRunAt: now.Add(interval),
		Status:    models.ScheduleActive,
	}
	if err := c.store.PutSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	c.startRunner(sched)
	logging.Info().Str("user_id", userID).Dur("interval", interval).Int("sources", len(sources)).Msg("sync scheduled")
	return sched, nil
}

// Cancel stops and deletes a user's schedule.
func (c *Coordinator) Cancel(ctx context.Context, userID string) error {
	c.stopRunner(userID)
	if err := c.store.DeleteSchedule(ctx, userID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	logging.Info().Str("user_id", userID).Msg("sync schedule canceled")
	return nil
}

// Resume reactivates a paused or failed schedule and resets its failure
// count.
func (c *Coordinator) Resume(ctx context.Context, userID string) (*models.SyncSchedule, error) {
	sched, err := c.store.GetSchedule(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}

	sched.Status = models.ScheduleActive
	sched.ConsecutiveFailures = 0
	if err := c.store.PutSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}
	c.startRunner(sched)
	logging.Info().Str("user_id", userID).Msg("sync schedule resumed")
	return sched, nil
}

// TriggerSync runs one sync pass for a user immediately, outside the
// schedule's tick. The single-flight guard still applies, so a trigger
// racing a scheduled run skips the sources already in flight.
func (c *Coordinator) TriggerSync(ctx context.Context, userID string) error {
	sched, err := c.store.GetSchedule(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrScheduleNotFound
	}
	if err != nil {
		return err
	}
	c.runOnce(ctx, sched)
	return nil
}

func (c *Coordinator) startRunner(sched *models.SyncSchedule) {
	c.stopRunner(sched.UserID)

	ctx, cancel := context.WithCancel(c.baseCtx)
	r := &runner{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.runners[sched.UserID] = r
	metrics.SchedulesActive.Set(float64(len(c.runners)))
	c.mu.Unlock()

	go func() {
		defer close(r.done)
		defer c.forgetRunner(sched.UserID, r)
		c.run(ctx, sched)
	}()
}

func (c *Coordinator) stopRunner(userID string) {
	c.mu.Lock()
	r, ok := c.runners[userID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// forgetRunner drops the runner entry if it is still the current one. A
// replacement runner may already have taken the slot.
func (c *Coordinator) forgetRunner(userID string, r *runner) {
	c.mu.Lock()
	if c.runners[userID] == r {
		delete(c.runners, userID)
	}
	metrics.SchedulesActive.Set(float64(len(c.runners)))
	c.mu.Unlock()
}

// run is the per-user schedule loop: an immediate first pass, then one
// pass per tick until the schedule stops being active. A failing schedule
// ticks on the backoff curve instead of its configured interval.
func (c *Coordinator) run(ctx context.Context, sched *models.SyncSchedule) {
	if !c.runOnce(ctx, sched) {
		return
	}
	timer := time.NewTimer(c.nextDelay(sched))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !c.runOnce(ctx, sched) {
				return
			}
			timer.Reset(c.nextDelay(sched))
		}
	}
}

// nextDelay is the wait before a schedule's next pass: the configured
// interval while healthy, the retry policy's exponential delay (capped at
// the policy maximum) while failures are accumulating.
func (c *Coordinator) nextDelay(sched *models.SyncSchedule) time.Duration {
	if sched.ConsecutiveFailures == 0 {
		return sched.Interval
	}
	return c.retry.Delay(sched.ConsecutiveFailures)
}

// runOnce syncs every source of a schedule and updates the schedule's
// persisted state. The return value reports whether the schedule should
// keep running.
func (c *Coordinator) runOnce(ctx context.Context, sched *models.SyncSchedule) bool {
	var firstErr error
	var failedSource string
	ran := false

	for _, source := range sched.Sources {
		synced, err := c.syncSource(ctx, sched.UserID, source)
		if synced {
			ran = true
		}
		if err != nil && firstErr == nil {
			firstErr = err
			failedSource = source.SourceID
		}
	}
	if ctx.Err() != nil {
		return false
	}
	if !ran {
		// Every source was already in flight. The overlapping run owns the
		// schedule state for this pass; touching it here would reset the
		// failure count without having synced anything.
		return sched.Status == models.ScheduleActive
	}

	now := time.Now().UTC()
	sched.LastRunAt = now

	switch {
	case firstErr == nil:
		sched.ConsecutiveFailures = 0

	case errors.Is(firstErr, aggregator.ErrAuthExpired):
		// Retrying cannot help until the user relinks the source.
		sched.Status = models.SchedulePaused
		c.events.Publish(event.TypeSyncFailed, event.SyncFailedPayload{
			UserID:   sched.UserID,
			SourceID: failedSource,
			Reason:   "auth_expired",
		}, []string{sched.UserID})
		logging.Warn().Str("user_id", sched.UserID).Str("source_id", failedSource).Msg("credentials expired, schedule paused")

	default:
		sched.ConsecutiveFailures++
		if sched.ConsecutiveFailures >= c.cfg.MaxConsecutiveFailures {
			sched.Status = models.ScheduleFailed
			c.events.Publish(event.TypeSyncFailed, event.SyncFailedPayload{
				UserID:   sched.UserID,
				SourceID: failedSource,
				Reason:   "max_consecutive_failures",
			}, []string{sched.UserID})
			logging.Error().Err(firstErr).Str("user_id", sched.UserID).Int("failures", sched.ConsecutiveFailures).Msg("schedule failed")
		} else {
			logging.Warn().Err(firstErr).Str("user_id", sched.UserID).Int("failures", sched.ConsecutiveFailures).Msg("sync run failed")
		}
	}

	sched.NextRunAt = now.Add(c.nextDelay(sched))

	if err := c.store.PutSchedule(ctx, sched); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Str("user_id", sched.UserID).Msg("failed to persist schedule state")
	}
	return sched.Status == models.ScheduleActive
}

// syncSource runs the balance and transaction sync for one source under
// the single-flight guard and the retry policy. The bool reports whether
// the source actually ran; a skipped source is neither a success nor a
// failure.
func (c *Coordinator) syncSource(ctx context.Context, userID string, source models.Source) (bool, error) {
	key := flightKey{userID: userID, sourceID: source.SourceID}
	if !c.acquire(key) {
		metrics.SyncRunsTotal.WithLabelValues("skipped").Inc()
		logging.Debug().Str("user_id", userID).Str("source_id", source.SourceID).Msg("sync already in flight, skipping")
		return false, nil
	}
	defer c.release(key)

	start := time.Now()
	err := c.retry.Do(ctx, isTransient, func(ctx context.Context) error {
		if err := c.accounts.Sync(ctx, userID, source); err != nil {
			return err
		}
		return c.transactions.Sync(ctx, userID, source)
	})
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("failure").Inc()
		return true, err
	}
	metrics.SyncRunsTotal.WithLabelValues("success").Inc()
	return true, nil
}

func (c *Coordinator) acquire(key flightKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Coordinator) release(key flightKey) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

func isTransient(err error) bool {
	return errors.Is(err, aggregator.ErrTransientNetwork)
}
