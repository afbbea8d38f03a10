package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pbm/internal/model"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

func at(day time.Time, clock time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, day.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// NextRun computes when s should fire next after now. It reports false for
// manual schedules and schedules that can never fire.
func NextRun(s *model.BackupSchedule, now time.Time) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	switch s.Mode {
	case model.Daily:
		return at(now.AddDate(0, 0, 1), s.StartTime), true
	case model.Weekly:
		return nextWeekly(s, now)
	case model.Monthly:
		return nextMonthly(s, now)
	case model.Interval:
		if s.Interval <= 0 {
			return time.Time{}, false
		}
		return now.Add(s.Interval), true
	case model.Cron:
		c, err := ParseCron(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next := c.Next(now)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

func nextWeekly(s *model.BackupSchedule, now time.Time) (time.Time, bool) {
	if len(s.Weekdays) == 0 {
		return time.Time{}, false
	}
	days := make(map[time.Weekday]bool, len(s.Weekdays))
	for _, d := range s.Weekdays {
		days[d] = true
	}
	// Offset 7 lands on today's weekday next week.
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		if !days[day.Weekday()] {
			continue
		}
		if candidate := at(day, s.StartTime); candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(s *model.BackupSchedule, now time.Time) (time.Time, bool) {
	if s.DayOfMonth < 1 {
		return time.Time{}, false
	}
	loc := now.Location()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	for i := 0; i < 2; i++ {
		day := min(s.DayOfMonth, daysIn(month.Year(), month.Month(), loc))
		candidate := at(time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, loc), s.StartTime)
		if candidate.After(now) {
			return candidate, true
		}
		month = month.AddDate(0, 1, 0)
	}
	return time.Time{}, false
}
