package credit

import "time"

const dayLayout = "2006-01-02"

// DayKey returns the calendar day of t in loc, formatted as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// effectiveDaily returns the daily usage that applies on today without
// mutating the account.
func effectiveDaily(acc *Account, today string) int {
	if acc.LastDailyReset == today {
		return acc.DailyUsageCount
	}
	return 0
}

// applyDailyReset zeroes the daily counter once per calendar-day transition.
func applyDailyReset(acc *Account, today string) bool {
	if acc.LastDailyReset == today {
		return false
	}
	acc.DailyUsageCount = 0
	acc.LastDailyReset = today
	return true
}

func remainingFree(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
