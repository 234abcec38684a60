// Package dispatch resolves the subscribers affected by new plan entries and notifies them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"sph-notifier/messenger"
	"sph-notifier/pkg/notifier"
)

// MatchMode selects how a subscriber's classes string is compared with an entry's class.
type MatchMode string

const (
	// MatchToken splits the classes string into tokens and requires an exact, case-insensitive token.
	MatchToken MatchMode = "token"
	// MatchSubstring accepts any classes string containing the class.
	MatchSubstring MatchMode = "substring"
)

// ParseMatchMode validates a configured match mode. Empty selects MatchToken.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchToken:
		return MatchToken, nil
	case MatchSubstring:
		return MatchSubstring, nil
	default:
		return "", fmt.Errorf("unknown match mode %q", s)
	}
}

// Matches reports whether a subscriber following classes should hear about class.
func Matches(mode MatchMode, classes, class string) bool {
	class = strings.TrimSpace(class)
	if class == "" {
		return false
	}
	if mode == MatchSubstring {
		return strings.Contains(strings.ToLower(classes), strings.ToLower(class))
	}
	for _, tok := range strings.FieldsFunc(classes, isClassSeparator) {
		if strings.EqualFold(tok, class) {
			return true
		}
	}
	return false
}

func isClassSeparator(r rune) bool {
	switch r {
	case ',', ';', '/', '|':
		return true
	}
	return unicode.IsSpace(r)
}

// BuildMessage renders the notification text for an entry.
func BuildMessage(e notifier.PlanEntry) string {
	switch {
	case e.Type == "Selbststudium" && strings.Contains(e.Note, "Entfall"):
		return fmt.Sprintf("%s entfällt! (period %s with %s)", e.Class, e.Period, e.Teacher)
	case e.Type == "Raum":
		return fmt.Sprintf("Room change in %s with %s (period %s): %s -> %s",
			e.Class, e.Teacher, e.Period, e.OldRoom, e.NewRoom)
	default:
		var b strings.Builder
		b.WriteString("New substitution plan entry:\n")
		fmt.Fprintf(&b, "Class: %s\n", e.Class)
		fmt.Fprintf(&b, "Period: %s\n", e.Period)
		fmt.Fprintf(&b, "Teacher: %s\n", e.Teacher)
		fmt.Fprintf(&b, "Type: %s\n", e.Type)
		fmt.Fprintf(&b, "Note: %s", e.Note)
		return b.String()
	}
}

// Subscribers interface for subscriber lookup.
// SubscribersLike may return a superset; results are filtered with Matches.
type Subscribers interface {
	SubscribersLike(ctx context.Context, class string) ([]notifier.Subscriber, error)
}

// Report summarizes one dispatch run.
type Report struct {
	Entries    int // Entries handed in
	Skipped    int // Entries without a class
	Unresolved int // Entries whose subscriber lookup failed
	Attempted  int // Sends attempted
	Delivered  int
	Failed     int
}

// Dispatcher sends notifications for new entries.
type Dispatcher struct {
	subs     Subscribers
	provider messenger.Provider
	logger   *slog.Logger
	mode     MatchMode
}

// New creates a new dispatcher.
func New(subs Subscribers, provider messenger.Provider, mode MatchMode, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:     subs,
		provider: provider,
		logger:   logger,
		mode:     mode,
	}
}

// Dispatch notifies every matching subscriber of every entry.
// Failures are logged and counted; they never stop the remaining sends.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []notifier.PlanEntry) Report {
	report := Report{Entries: len(entries)}

	for _, entry := range entries {
		if ctx.Err() != nil {
			d.logger.Info("Context cancelled, stopping dispatch", "error", ctx.Err())
			break
		}

		if entry.Class == "" {
			d.logger.Info("Skipping entry without class", "period", entry.Period, "teacher", entry.Teacher)
			report.Skipped++
			continue
		}

		candidates, err := d.subs.SubscribersLike(ctx, entry.Class)
		if err != nil {
			// The entry is already recorded as seen; later entries are still dispatched.
			d.logger.Error("Failed to resolve subscribers", "class", entry.Class, "period", entry.Period, "error", err)
			report.Unresolved++
			continue
		}

		text := BuildMessage(entry)
		for _, sub := range candidates {
			if !Matches(d.mode, sub.Classes, entry.Class) {
				continue
			}

			report.Attempted++
			if err := d.provider.Send(ctx, sub.ID, text); err != nil {
				d.logger.Warn("Notification failed",
					"user_id", sub.ID,
					"name", sub.Name,
					"class", entry.Class,
					"error", err)
				report.Failed++
				continue
			}

			d.logger.Info("Notification sent",
				"user_id", sub.ID,
				"name", sub.Name,
				"class", entry.Class,
				"period", entry.Period)
			report.Delivered++
		}
	}

	d.logger.Info("Dispatch completed",
		"entries", report.Entries,
		"skipped", report.Skipped,
		"unresolved", report.Unresolved,
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed)

	return report
}
