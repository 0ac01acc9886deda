// Package scheduler plans and fires recurring sync runs.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType enumerates the supported schedule kinds.
type ScheduleType string

const (
	TypeInterval ScheduleType = "interval"
	TypeDaily    ScheduleType = "daily"
	TypeWeekly   ScheduleType = "weekly"
	TypeMonthly  ScheduleType = "monthly"
	TypeCron     ScheduleType = "cron"
	TypeOnce     ScheduleType = "once"
)

// Schedule is the type-specific timing spec of a task.
type Schedule struct {
	Type ScheduleType `json:"type"`

	// IntervalSeconds applies to interval schedules.
	IntervalSeconds int `json:"intervalSeconds,omitempty"`

	// Hour and Minute apply to daily, weekly, and monthly schedules.
	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`

	// Weekday applies to weekly schedules (0 = Sunday).
	Weekday time.Weekday `json:"weekday,omitempty"`

	// DayOfMonth applies to monthly schedules.
	DayOfMonth int `json:"dayOfMonth,omitempty"`

	// Expression applies to cron schedules: minute hour day month weekday.
	Expression string `json:"expression,omitempty"`

	// At applies to once schedules.
	At time.Time `json:"at,omitempty"`
}

// Validate checks the type-specific fields.
func (s Schedule) Validate() error {
	switch s.Type {
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("interval schedule needs a positive intervalSeconds")
		}
	case TypeDaily, TypeWeekly, TypeMonthly:
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("schedule time %02d:%02d is out of range", s.Hour, s.Minute)
		}
		if s.Type == TypeWeekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
			return fmt.Errorf("weekday %d is out of range", s.Weekday)
		}
		if s.Type == TypeMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
			return fmt.Errorf("dayOfMonth %d is out of range", s.DayOfMonth)
		}
	case TypeCron:
		if strings.TrimSpace(s.Expression) == "" {
			return fmt.Errorf("cron schedule needs an expression")
		}
	case TypeOnce:
		if s.At.IsZero() {
			return fmt.Errorf("once schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
	return nil
}

// NextRun computes the next execution strictly after now.
func (s Schedule) NextRun(now time.Time) time.Time {
	switch s.Type {
	case TypeInterval:
		return now.Add(time.Duration(s.IntervalSeconds) * time.Second)

	case TypeDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case TypeWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case TypeMonthly:
		next := time.Date(now.Year(), now.Month(), s.DayOfMonth, s.Hour, s.Minute, 0, 0, now.Location())
		if next.Day() != s.DayOfMonth {
			// The target day overflowed a short month; land on it next month.
			next = time.Date(now.Year(), now.Month()+1, s.DayOfMonth, s.Hour, s.Minute, 0, 0, now.Location())
		}
		if !next.After(now) {
			next = time.Date(now.Year(), now.Month()+1, s.DayOfMonth, s.Hour, s.Minute, 0, 0, now.Location())
		}
		return next

	case TypeCron:
		return nextCron(s.Expression, now)

	case TypeOnce:
		return s.At

	default:
		return now.Add(time.Hour)
	}
}

// nextCron evaluates a five-field cron expression, anchoring on the minute
// and hour fields only. Unparseable expressions fall back to one hour out.
func nextCron(expr string, now time.Time) time.Time {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return now.Add(time.Hour)
	}

	minute, minuteAny, ok := cronField(fields[0], 0, 59)
	if !ok {
		return now.Add(time.Hour)
	}
	hour, hourAny, ok := cronField(fields[1], 0, 23)
	if !ok {
		return now.Add(time.Hour)
	}

	switch {
	case minuteAny && hourAny:
		return now.Truncate(time.Minute).Add(time.Minute)
	case hourAny:
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next
	case minuteAny:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, now.Minute(), 0, 0, now.Location())
		if !next.After(now) {
			next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, now.Location())
		}
		return next
	default:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// cronField parses one cron field: a "*" or a bounded integer.
func cronField(f string, min, max int) (value int, any bool, ok bool) {
	if f == "*" {
		return 0, true, true
	}
	n, err := strconv.Atoi(f)
	if err != nil || n < min || n > max {
		return 0, false, false
	}
	return n, false, true
}
