package market

import (
	"context"
	"fmt"
	"time"

	"github.com/kasyan/stocksim/internal/models"
)

// Clock supplies the current time. The real clock pins everything to
// one reference zone so no other component does zone conversion.
type Clock interface {
	Now() time.Time
}

type zonedClock struct {
	loc *time.Location
}

func (c zonedClock) Now() time.Time { return time.Now().In(c.loc) }

// NewClock returns a Clock reporting wall time in the given zone.
func NewClock(loc *time.Location) Clock { return zonedClock{loc: loc} }

// ScheduleStore provides the weekly schedule and date overrides.
// Both return (nil, nil) when no row exists.
type ScheduleStore interface {
	GetScheduleEntry(ctx context.Context, weekday int) (*models.ScheduleEntry, error)
	GetDateOverride(ctx context.Context, date string) (*models.DateOverride, error)
}

// Evaluator decides whether the market is open at a given instant.
// A date override beats the weekly schedule; a missing weekday row
// means closed.
type Evaluator struct {
	Store ScheduleStore
	Clock Clock
}

// NewEvaluator creates a session evaluator
func NewEvaluator(store ScheduleStore, clock Clock) *Evaluator {
	return &Evaluator{Store: store, Clock: clock}
}

// IsOpen reports whether the market is open right now.
func (e *Evaluator) IsOpen(ctx context.Context) (bool, error) {
	return e.OpenAt(ctx, e.Clock.Now())
}

// OpenAt reports whether the market is open at the given instant.
// The instant must already be in the reference zone.
func (e *Evaluator) OpenAt(ctx context.Context, now time.Time) (bool, error) {
	override, err := e.Store.GetDateOverride(ctx, now.Format("2006-01-02"))
	if err != nil {
		return false, fmt.Errorf("failed to look up date override: %w", err)
	}
	if override != nil {
		return withinHours(now, override.Hours), nil
	}

	entry, err := e.Store.GetScheduleEntry(ctx, Weekday(now))
	if err != nil {
		return false, fmt.Errorf("failed to look up schedule: %w", err)
	}
	if entry == nil {
		// No schedule row for this weekday: fail closed.
		return false, nil
	}
	return withinHours(now, entry.Hours), nil
}

// Weekday maps a time to the schedule convention 0=Monday..6=Sunday.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// MinuteOfDay returns minutes elapsed since midnight local to t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// withinHours applies the inclusive open/close check. Equal open and
// close is the closed sentinel. Sessions never wrap past midnight.
func withinHours(now time.Time, h models.Hours) bool {
	if h.Closed() {
		return false
	}
	m := MinuteOfDay(now)
	return h.OpenMinute <= m && m <= h.CloseMinute
}

// ParseHours converts "HH:MM" open/close strings into Hours,
// validating range and ordering.
func ParseHours(open, close string) (models.Hours, error) {
	o, err := parseMinute(open)
	if err != nil {
		return models.Hours{}, err
	}
	c, err := parseMinute(close)
	if err != nil {
		return models.Hours{}, err
	}
	if c < o {
		return models.Hours{}, fmt.Errorf("%w: close time before open time", models.ErrValidation)
	}
	return models.Hours{OpenMinute: o, CloseMinute: c}, nil
}

func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", models.ErrValidation, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatMinute renders minutes-since-midnight as "HH:MM".
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
