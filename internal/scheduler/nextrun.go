package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the next firing time strictly after now. The second
// return is false when the schedule has nothing further to fire (a
// spent once schedule). The computation is deterministic: the same
// (type, params, now) always yields the same timestamp.
func NextRun(typ ScheduleType, p ScheduleParams, now time.Time) (time.Time, bool, error) {
	loc, err := location(p.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	now = now.In(loc)

	switch typ {
	case ScheduleOnce:
		if p.RunAt.IsZero() || !p.RunAt.After(now) {
			return time.Time{}, false, nil
		}
		return p.RunAt, true, nil

	case ScheduleInterval:
		if p.IntervalMinutes <= 0 {
			return time.Time{}, false, fmt.Errorf("interval schedule needs intervalMinutes > 0")
		}
		return now.Add(time.Duration(p.IntervalMinutes) * time.Minute), true, nil

	case ScheduleDaily:
		hour, minute, err := parseTimeOfDay(p.TimeOfDay)
		if err != nil {
			return time.Time{}, false, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true, nil

	case ScheduleWeekly:
		hour, minute, err := parseTimeOfDay(p.TimeOfDay)
		if err != nil {
			return time.Time{}, false, err
		}
		days := p.DaysOfWeek
		if len(days) == 0 {
			return time.Time{}, false, fmt.Errorf("weekly schedule needs daysOfWeek")
		}
		for add := 0; add <= 7; add++ {
			cand := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc).
				AddDate(0, 0, add)
			if !cand.After(now) {
				continue
			}
			for _, d := range days {
				if cand.Weekday() == d {
					return cand, true, nil
				}
			}
		}
		return time.Time{}, false, fmt.Errorf("weekly schedule found no candidate day")

	case ScheduleMonthly:
		hour, minute, err := parseTimeOfDay(p.TimeOfDay)
		if err != nil {
			return time.Time{}, false, err
		}
		day := p.DayOfMonth
		if day < 1 || day > 31 {
			return time.Time{}, false, fmt.Errorf("monthly schedule needs dayOfMonth 1..31")
		}
		// Skip months too short for the configured day.
		for add := 0; add <= 12; add++ {
			y, m, _ := now.AddDate(0, add, 0).Date()
			cand := time.Date(y, m, day, hour, minute, 0, 0, loc)
			if cand.Month() != m {
				continue // day overflowed into the next month
			}
			if cand.After(now) {
				return cand, true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("monthly schedule found no candidate day")

	case ScheduleCron:
		sched, err := cron.ParseStandard(p.CronExpression)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron %q: %w", p.CronExpression, err)
		}
		return sched.Next(now), true, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule type %q", typ)
	}
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("schedule needs timeOfDay (HH:MM)")
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("parse timeOfDay %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("timeOfDay %q out of range", s)
	}
	return hour, minute, nil
}
