// Package notifier contains the core domain types for the substitution plan notification service.
package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy. Components wrap these with context; callers test with errors.Is.
var (
	ErrAuth         = errors.New("auth")
	ErrTransport    = errors.New("transport")
	ErrParse        = errors.New("parse")
	ErrPersistence  = errors.New("persistence")
	ErrNotification = errors.New("notification")
)

// EntryFields is the number of positional cells in a substitution plan row.
const EntryFields = 8

// PlanEntry is one row of the daily substitution table.
// Field order matches the portal's column order and never changes.
type PlanEntry struct {
	Period  string
	Unused  string
	Teacher string
	Type    string
	Class   string
	NewRoom string
	OldRoom string
	Note    string
}

// EntryFromCells maps cells positionally onto a PlanEntry.
// Missing trailing cells stay empty; cells beyond the eighth are ignored.
func EntryFromCells(cells []string) PlanEntry {
	var c [EntryFields]string
	copy(c[:], cells)
	return PlanEntry{
		Period:  c[0],
		Unused:  c[1],
		Teacher: c[2],
		Type:    c[3],
		Class:   c[4],
		NewRoom: c[5],
		OldRoom: c[6],
		Note:    c[7],
	}
}

// Cells returns the entry in portal column order.
func (e PlanEntry) Cells() [EntryFields]string {
	return [EntryFields]string{e.Period, e.Unused, e.Teacher, e.Type, e.Class, e.NewRoom, e.OldRoom, e.Note}
}

// MarshalJSON encodes the entry as the raw eight-cell row.
func (e PlanEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Cells())
}

// UnmarshalJSON decodes a raw row and rejects anything that is not exactly eight strings.
func (e *PlanEntry) UnmarshalJSON(data []byte) error {
	var cells []string
	if err := json.Unmarshal(data, &cells); err != nil {
		return fmt.Errorf("%w: decode entry: %w", ErrParse, err)
	}
	if len(cells) != EntryFields {
		return fmt.Errorf("%w: entry has %d cells, want %d", ErrParse, len(cells), EntryFields)
	}
	*e = EntryFromCells(cells)
	return nil
}

// Subscriber is a user who receives notifications for the classes they follow.
type Subscriber struct {
	Name    string
	Classes string // Raw classes string as stored, e.g. "10a,10b"
	ID      int64  // Messenger user id
}

// DetectionRecord marks an entry as seen on a given day.
type DetectionRecord struct {
	DetectedAt time.Time
	Day        string // Calendar day in DayLayout
	Entry      PlanEntry
}

// DailyArchive is the snapshot of everything detected on one day.
type DailyArchive struct {
	Day     string      `json:"day"`
	Entries []PlanEntry `json:"entries"`
}

// DayLayout formats the calendar day used to scope detections and archives.
const DayLayout = "2006-01-02"

// Day returns the calendar day of t in DayLayout.
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// Credential proves an authenticated portal session. It is a value type:
// re-login replaces it wholesale.
type Credential struct {
	sid     string
	session string
}

// NewCredential builds a credential from the two session cookies.
func NewCredential(sid, session string) Credential {
	return Credential{sid: sid, session: session}
}

// ParseToken reads a credential from its "<sid>-<session>" token form.
func ParseToken(token string) (Credential, error) {
	sid, session, ok := strings.Cut(token, "-")
	if !ok || sid == "" || session == "" {
		return Credential{}, fmt.Errorf("%w: malformed session token", ErrAuth)
	}
	return Credential{sid: sid, session: session}, nil
}

// SID returns the site session id cookie value.
func (c Credential) SID() string { return c.sid }

// Session returns the portal session cookie value.
func (c Credential) Session() string { return c.session }

// IsZero reports whether the credential is empty (unauthenticated).
func (c Credential) IsZero() bool { return c.sid == "" && c.session == "" }

// Token serializes the credential as "<sid>-<session>".
func (c Credential) Token() string {
	return c.sid + "-" + c.session
}

// String hides the secret halves so credentials can be logged safely.
func (c Credential) String() string {
	if c.IsZero() {
		return "credential(none)"
	}
	return fmt.Sprintf("credential(sid=%s…)", prefix(c.sid, 4))
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
