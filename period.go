package tokengate

import "time"

// WeekCalendar maps wall-clock time to a week-numbered period.
type WeekCalendar struct {
	// Start is the first day of period 1. A zero Start puts every time in period 1.
	Start time.Time
	// Weeks is the number of periods. Zero means unbounded.
	Weeks int
}

// Period returns the 1-based week number containing t. Times before Start
// or past the last week fall back to period 1.
func (c WeekCalendar) Period(t time.Time) int {
	if c.Start.IsZero() || t.Before(c.Start) {
		return 1
	}
	days := int(t.Sub(c.Start).Hours() / 24)
	week := days/7 + 1
	if c.Weeks > 0 && week > c.Weeks {
		return 1
	}
	return week
}
