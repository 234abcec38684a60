// Package detect decides which fetched plan entries are new for the current day.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sph-notifier/pkg/notifier"
)

// Store interface for detection record persistence.
type Store interface {
	DetectedEntries(ctx context.Context, day string) ([]notifier.PlanEntry, error)
	RecordDetection(ctx context.Context, rec notifier.DetectionRecord) error
}

// Archiver interface for writing the snapshot of a finished day.
type Archiver interface {
	SaveArchive(ctx context.Context, archive notifier.DailyArchive) error
}

// Detector tracks the current day and filters out entries already seen on it.
// It is not safe for concurrent use; the poll loop owns it.
type Detector struct {
	store    Store
	archiver Archiver
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time
	day      string
}

// New creates a detector whose tracked day starts at today in loc.
func New(store Store, archiver Archiver, loc *time.Location, logger *slog.Logger) *Detector {
	if loc == nil {
		loc = time.Local
	}
	d := &Detector{
		store:    store,
		archiver: archiver,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
	d.day = notifier.Day(d.now().In(loc))
	return d
}

// Day returns the tracked calendar day.
func (d *Detector) Day() string {
	return d.day
}

// Detect persists a detection record for every entry not yet seen today and
// returns those entries in fetch order. Duplicates within fetched are handled once.
//
// Records are written before the entries are returned, so a crash between
// detection and dispatch loses the notification rather than repeating it.
// If a record write fails, the entries persisted so far are returned with the error.
func (d *Detector) Detect(ctx context.Context, fetched []notifier.PlanEntry) ([]notifier.PlanEntry, error) {
	now := d.now().In(d.loc)
	today := notifier.Day(now)

	if today != d.day {
		d.rollover(ctx, today)
	}

	known, err := d.store.DetectedEntries(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("load detected entries: %w", err)
	}

	seen := make(map[notifier.PlanEntry]struct{}, len(known)+len(fetched))
	for _, e := range known {
		seen[e] = struct{}{}
	}

	var fresh []notifier.PlanEntry
	for _, e := range fetched {
		if _, ok := seen[e]; ok {
			continue
		}
		rec := notifier.DetectionRecord{DetectedAt: now, Day: today, Entry: e}
		if err := d.store.RecordDetection(ctx, rec); err != nil {
			return fresh, fmt.Errorf("record detection: %w", err)
		}
		seen[e] = struct{}{}
		fresh = append(fresh, e)
	}

	d.logger.Info("Detection completed",
		"day", today,
		"fetched", len(fetched),
		"known", len(known),
		"new", len(fresh))

	return fresh, nil
}

// rollover archives the tracked day and moves on to today.
// On failure the tracked day stays put so the next tick tries again.
func (d *Detector) rollover(ctx context.Context, today string) {
	prev := d.day
	d.logger.Info("Day rolled over", "previous_day", prev, "day", today)

	entries, err := d.store.DetectedEntries(ctx, prev)
	if err != nil {
		d.logger.Error("Failed to load entries for archive", "day", prev, "error", err)
		return
	}

	if err := d.archiver.SaveArchive(ctx, notifier.DailyArchive{Day: prev, Entries: entries}); err != nil {
		d.logger.Error("Failed to write daily archive", "day", prev, "error", err)
		return
	}

	d.logger.Info("Daily archive written", "day", prev, "entries", len(entries))
	d.day = today
}
