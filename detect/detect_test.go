package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"sph-notifier/pkg/notifier"

	"github.com/google/go-cmp/cmp"
)

type memStore struct {
	records   []notifier.DetectionRecord
	failAfter int // RecordDetection fails once this many records exist; 0 disables
	loadErr   error
}

func (m *memStore) DetectedEntries(_ context.Context, day string) ([]notifier.PlanEntry, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []notifier.PlanEntry
	for _, r := range m.records {
		if r.Day == day {
			out = append(out, r.Entry)
		}
	}
	return out, nil
}

func (m *memStore) RecordDetection(_ context.Context, rec notifier.DetectionRecord) error {
	if m.failAfter > 0 && len(m.records) >= m.failAfter {
		return notifier.ErrPersistence
	}
	m.records = append(m.records, rec)
	return nil
}

type memArchiver struct {
	archives []notifier.DailyArchive
	err      error
}

func (m *memArchiver) SaveArchive(_ context.Context, archive notifier.DailyArchive) error {
	if m.err != nil {
		return m.err
	}
	m.archives = append(m.archives, archive)
	return nil
}

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var (
	entryA = notifier.PlanEntry{Period: "3", Teacher: "Smith", Type: "Raum", Class: "10a", NewRoom: "B204", OldRoom: "A101"}
	entryB = notifier.PlanEntry{Period: "2", Teacher: "Jones", Type: "Selbststudium", Class: "9b", Note: "Entfall"}
	entryC = notifier.PlanEntry{Period: "5", Teacher: "Lee", Type: "Vertretung", Class: "7c"}
)

func newTestDetector(store *memStore, archiver *memArchiver, c *clock) *Detector {
	d := New(store, archiver, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.now = c.now
	d.day = notifier.Day(c.t)
	return d
}

func TestDetectIsIdempotent(t *testing.T) {
	store := &memStore{}
	c := &clock{t: time.Date(2023, time.September, 22, 7, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)
	ctx := context.Background()

	fetched := []notifier.PlanEntry{entryA, entryB}
	first, err := d.Detect(ctx, fetched)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if diff := cmp.Diff(fetched, first); diff != "" {
		t.Errorf("first Detect() mismatch (-want +got):\n%s", diff)
	}

	c.t = c.t.Add(5 * time.Minute)
	second, err := d.Detect(ctx, fetched)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second Detect() = %+v, want no new entries", second)
	}
	if len(store.records) != 2 {
		t.Errorf("records = %d, want 2", len(store.records))
	}
}

func TestDetectDeduplicatesWithinFetch(t *testing.T) {
	store := &memStore{}
	c := &clock{t: time.Date(2023, time.September, 22, 7, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)

	got, err := d.Detect(context.Background(), []notifier.PlanEntry{entryA, entryA, entryB, entryA})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if diff := cmp.Diff([]notifier.PlanEntry{entryA, entryB}, got); diff != "" {
		t.Errorf("Detect() mismatch (-want +got):\n%s", diff)
	}
	if len(store.records) != 2 {
		t.Errorf("records = %d, want 2", len(store.records))
	}
}

func TestDetectSkipsEntriesSeenEarlierToday(t *testing.T) {
	day := "2023-09-22"
	store := &memStore{records: []notifier.DetectionRecord{
		{Day: day, Entry: entryA},
		{Day: "2023-09-21", Entry: entryB},
	}}
	c := &clock{t: time.Date(2023, time.September, 22, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)

	got, err := d.Detect(context.Background(), []notifier.PlanEntry{entryA, entryB, entryC})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	// entryB was only seen yesterday, so it is new today.
	if diff := cmp.Diff([]notifier.PlanEntry{entryB, entryC}, got); diff != "" {
		t.Errorf("Detect() mismatch (-want +got):\n%s", diff)
	}
	for _, rec := range store.records[2:] {
		if rec.Day != day {
			t.Errorf("record day = %q, want %q", rec.Day, day)
		}
		if !rec.DetectedAt.Equal(c.t) {
			t.Errorf("record time = %v, want %v", rec.DetectedAt, c.t)
		}
	}
}

func TestDetectEntryEqualityIsFieldWise(t *testing.T) {
	store := &memStore{}
	c := &clock{t: time.Date(2023, time.September, 22, 7, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)
	ctx := context.Background()

	if _, err := d.Detect(ctx, []notifier.PlanEntry{entryA}); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	changed := entryA
	changed.NewRoom = "B205"
	got, err := d.Detect(ctx, []notifier.PlanEntry{changed})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if diff := cmp.Diff([]notifier.PlanEntry{changed}, got); diff != "" {
		t.Errorf("Detect() mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectRollover(t *testing.T) {
	store := &memStore{}
	archiver := &memArchiver{}
	c := &clock{t: time.Date(2023, time.September, 22, 23, 50, 0, 0, time.UTC)}
	d := newTestDetector(store, archiver, c)
	ctx := context.Background()

	if _, err := d.Detect(ctx, []notifier.PlanEntry{entryA, entryB}); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	c.t = time.Date(2023, time.September, 23, 0, 5, 0, 0, time.UTC)
	got, err := d.Detect(ctx, []notifier.PlanEntry{entryA})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if diff := cmp.Diff([]notifier.PlanEntry{entryA}, got); diff != "" {
		t.Errorf("Detect() after rollover mismatch (-want +got):\n%s", diff)
	}

	c.t = c.t.Add(5 * time.Minute)
	if _, err := d.Detect(ctx, []notifier.PlanEntry{entryA}); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	want := []notifier.DailyArchive{{Day: "2023-09-22", Entries: []notifier.PlanEntry{entryA, entryB}}}
	if diff := cmp.Diff(want, archiver.archives); diff != "" {
		t.Errorf("archives mismatch (-want +got):\n%s", diff)
	}
	if d.Day() != "2023-09-23" {
		t.Errorf("Day() = %q, want 2023-09-23", d.Day())
	}
}

func TestDetectRolloverRetriedAfterArchiveFailure(t *testing.T) {
	store := &memStore{}
	archiver := &memArchiver{err: notifier.ErrPersistence}
	c := &clock{t: time.Date(2023, time.September, 22, 23, 50, 0, 0, time.UTC)}
	d := newTestDetector(store, archiver, c)
	ctx := context.Background()

	if _, err := d.Detect(ctx, []notifier.PlanEntry{entryA}); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	c.t = time.Date(2023, time.September, 23, 0, 5, 0, 0, time.UTC)
	if _, err := d.Detect(ctx, nil); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if d.Day() != "2023-09-22" {
		t.Fatalf("Day() = %q after failed archive, want previous day kept", d.Day())
	}

	archiver.err = nil
	if _, err := d.Detect(ctx, nil); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(archiver.archives) != 1 || archiver.archives[0].Day != "2023-09-22" {
		t.Errorf("archives = %+v, want one archive for 2023-09-22", archiver.archives)
	}
	if d.Day() != "2023-09-23" {
		t.Errorf("Day() = %q, want 2023-09-23", d.Day())
	}
}

func TestDetectRecordFailure(t *testing.T) {
	store := &memStore{failAfter: 1}
	c := &clock{t: time.Date(2023, time.September, 22, 7, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)

	got, err := d.Detect(context.Background(), []notifier.PlanEntry{entryA, entryB, entryC})
	if !errors.Is(err, notifier.ErrPersistence) {
		t.Fatalf("Detect() error = %v, want ErrPersistence", err)
	}
	if diff := cmp.Diff([]notifier.PlanEntry{entryA}, got); diff != "" {
		t.Errorf("Detect() persisted entries mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectLoadFailure(t *testing.T) {
	store := &memStore{loadErr: notifier.ErrPersistence}
	c := &clock{t: time.Date(2023, time.September, 22, 7, 0, 0, 0, time.UTC)}
	d := newTestDetector(store, &memArchiver{}, c)

	got, err := d.Detect(context.Background(), []notifier.PlanEntry{entryA})
	if !errors.Is(err, notifier.ErrPersistence) {
		t.Fatalf("Detect() error = %v, want ErrPersistence", err)
	}
	if len(got) != 0 {
		t.Errorf("Detect() = %+v, want nothing on load failure", got)
	}
}
