// Package poll drives the fixed-delay scrape, detect and notify loop.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sph-notifier/dispatch"
	"sph-notifier/pkg/notifier"
)

// ErrTickInProgress is returned by TryTick while another tick is running.
var ErrTickInProgress = errors.New("tick already in progress")

// Store interface for persistence health.
type Store interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Session interface for obtaining a valid portal credential.
type Session interface {
	Ensure(ctx context.Context) (notifier.Credential, error)
}

// Fetcher interface for retrieving a day's plan.
type Fetcher interface {
	Fetch(ctx context.Context, cred notifier.Credential, date time.Time) ([]notifier.PlanEntry, error)
}

// Detector interface for filtering new entries.
type Detector interface {
	Detect(ctx context.Context, fetched []notifier.PlanEntry) ([]notifier.PlanEntry, error)
}

// Dispatcher interface for notifying subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, entries []notifier.PlanEntry) dispatch.Report
}

// Status is a snapshot of the loop's progress.
type Status struct {
	LastTick      time.Time `json:"last_tick"`
	LastSuccess   time.Time `json:"last_success"`
	LastError     string    `json:"last_error,omitempty"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	Ticks         int       `json:"ticks"`
	Failures      int       `json:"failures"`
	LastFetched   int       `json:"last_fetched"`
	LastNew       int       `json:"last_new"`
	Delivered     int       `json:"delivered"`
	DeliveryFails int       `json:"delivery_failures"`
}

// Healthy reports whether the most recent tick completed.
func (s Status) Healthy() bool {
	return s.Ticks > 0 && s.LastError == ""
}

// Config holds orchestrator dependencies.
type Config struct {
	Store      Store
	Session    Session
	Fetcher    Fetcher
	Detector   Detector
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Location   *time.Location
	Interval   time.Duration
}

// Orchestrator runs ticks one at a time.
type Orchestrator struct {
	store      Store
	session    Session
	fetcher    Fetcher
	detector   Detector
	dispatcher Dispatcher
	logger     *slog.Logger
	loc        *time.Location
	now        func() time.Time
	interval   time.Duration

	tickMu sync.Mutex
	mu     sync.RWMutex
	status Status
}

// New creates a new orchestrator.
func New(cfg *Config) *Orchestrator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Orchestrator{
		store:      cfg.Store,
		session:    cfg.Session,
		fetcher:    cfg.Fetcher,
		detector:   cfg.Detector,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		loc:        loc,
		now:        time.Now,
		interval:   cfg.Interval,
	}
}

// Run ticks immediately and then again a fixed delay after each tick completes,
// until ctx is cancelled. Tick failures never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Poll loop starting", "interval", o.interval.String())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Poll loop stopped", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}

		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("Tick ended early", "error", err)
		}

		timer.Reset(o.interval)
	}
}

// TryTick runs a tick unless one is already running.
func (o *Orchestrator) TryTick(ctx context.Context) error {
	if !o.tickMu.TryLock() {
		return ErrTickInProgress
	}
	defer o.tickMu.Unlock()
	return o.tick(ctx)
}

// Tick runs one pass: persistence check, session check, fetch, detect, dispatch.
// The first failing stage ends the tick and its error is returned.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	return o.tick(ctx)
}

func (o *Orchestrator) tick(ctx context.Context) error {
	start := o.now()
	o.logger.Info("Tick starting", "timestamp", start.Format(time.RFC3339))

	result := Status{}
	stage, err := o.runStages(ctx, start, &result)

	duration := time.Since(start)
	o.record(start, stage, err, &result)

	if err != nil {
		o.logger.Error("Tick failed",
			"stage", stage,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}

	o.logger.Info("Tick completed",
		"duration_ms", duration.Milliseconds(),
		"fetched", result.LastFetched,
		"new", result.LastNew,
		"delivered", result.Delivered,
		"failed", result.DeliveryFails)
	return nil
}

func (o *Orchestrator) runStages(ctx context.Context, start time.Time, result *Status) (string, error) {
	if err := o.store.Ping(ctx); err != nil {
		o.logger.Warn("Database unreachable, reconnecting", "error", err)
		if err := o.store.Reconnect(ctx); err != nil {
			return "persistence", fmt.Errorf("reconnect database: %w", err)
		}
	}

	cred, err := o.session.Ensure(ctx)
	if err != nil {
		return "session", fmt.Errorf("ensure session: %w", err)
	}

	fetched, err := o.fetcher.Fetch(ctx, cred, start.In(o.loc))
	if err != nil {
		return "fetch", fmt.Errorf("fetch plan: %w", err)
	}
	result.LastFetched = len(fetched)

	fresh, detectErr := o.detector.Detect(ctx, fetched)
	result.LastNew = len(fresh)

	// Entries persisted before a detection failure are still delivered.
	if len(fresh) > 0 {
		report := o.dispatcher.Dispatch(ctx, fresh)
		result.Delivered = report.Delivered
		result.DeliveryFails = report.Failed
	}

	if detectErr != nil {
		return "detect", fmt.Errorf("detect changes: %w", detectErr)
	}
	return "", nil
}

func (o *Orchestrator) record(start time.Time, stage string, err error, result *Status) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status.LastTick = start
	o.status.Ticks++
	o.status.LastFetched = result.LastFetched
	o.status.LastNew = result.LastNew
	o.status.Delivered += result.Delivered
	o.status.DeliveryFails += result.DeliveryFails

	if err != nil {
		o.status.Failures++
		o.status.LastError = err.Error()
		o.status.FailedStage = stage
		return
	}
	o.status.LastSuccess = start
	o.status.LastError = ""
	o.status.FailedStage = ""
}

// Status returns a snapshot of the loop's progress.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}
