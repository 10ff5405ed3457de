// Package schedule decides, per user, whether the hourly sweep is at the
// weekly evaluation moment and whether a challenge week has finished.
//
// Local time is UTC plus a whole-hour offset taken from the user's ledger.
// There is no daylight-saving or zone database lookup.
package schedule

import (
	"time"
)

const DateLayout = "2006-01-02"

// Resolver holds the evaluation moment: a weekday and an hour of local time.
type Resolver struct {
	Weekday time.Weekday
	Hour    int
}

func NewResolver(hour int) Resolver {
	return Resolver{Weekday: time.Monday, Hour: hour}
}

// LocalNow shifts now by offsetHours. The result is expressed in UTC so that
// Weekday, Hour and Format read the local wall clock directly.
func LocalNow(now time.Time, offsetHours int) time.Time {
	return now.UTC().Add(time.Duration(offsetHours) * time.Hour)
}

// LocalToday is the local calendar date as YYYY-MM-DD.
func LocalToday(now time.Time, offsetHours int) string {
	return LocalNow(now, offsetHours).Format(DateLayout)
}

// AtEvaluationTime reports whether the local clock is inside the evaluation hour.
func (r Resolver) AtEvaluationTime(now time.Time, offsetHours int) bool {
	local := LocalNow(now, offsetHours)
	return local.Weekday() == r.Weekday && local.Hour() == r.Hour
}

// WeekOver reports whether weekEnd is strictly before the local date.
// Dates are fixed-width so string order is calendar order.
func WeekOver(now time.Time, offsetHours int, weekEnd string) bool {
	return weekEnd < LocalToday(now, offsetHours)
}

// Due is the conjunction of both gates.
func (r Resolver) Due(now time.Time, offsetHours int, weekEnd string) bool {
	return r.AtEvaluationTime(now, offsetHours) && WeekOver(now, offsetHours, weekEnd)
}

// NextPeriod returns the week that follows one ending on weekEnd:
// it starts the next day and ends six days later.
func NextPeriod(weekEnd string) (start, end string, err error) {
	t, err := time.Parse(DateLayout, weekEnd)
	if err != nil {
		return "", "", err
	}
	s := t.AddDate(0, 0, 1)
	return s.Format(DateLayout), s.AddDate(0, 0, 6).Format(DateLayout), nil
}
