package dataset

import (
	"strings"
	"time"

	"ipenrich/config"
)

// dailyAt is a time of day in UTC, stored as an offset from midnight.
type dailyAt time.Duration

func parseDailyAt(raw string) (dailyAt, error) {
	d, err := config.ParseRefreshUTC(raw)
	return dailyAt(d), err
}

// next returns the first occurrence strictly after now.
func (d dailyAt) next(now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	at := midnight.Add(time.Duration(d))
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// refreshSchedule resolves the configured refresh time, falling back to
// the default when it does not parse.
func refreshSchedule(raw string) dailyAt {
	if strings.TrimSpace(raw) != "" {
		if at, err := parseDailyAt(raw); err == nil {
			return at
		}
	}
	at, _ := parseDailyAt(config.DefaultRefreshUTC)
	return at
}
