package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser parses the five-field cron expressions used by schedule
// triggers and cron-type scheduled jobs.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CalculateNextCron returns the next occurrence of cronExpr at or after
// from, evaluated in timezone (falling back to UTC on an invalid
// timezone), and returned in UTC for durable storage.
func CalculateNextCron(cronExpr, timezone string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	next := schedule.Next(from.In(loc))
	return next.UTC(), nil
}

// CalculateNextInterval returns from+interval, in UTC.
func CalculateNextInterval(interval time.Duration, from time.Time) time.Time {
	return from.Add(interval).UTC()
}

// ValidateCronExpr reports whether cronExpr parses.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
