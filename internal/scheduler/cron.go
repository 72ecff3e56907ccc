package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed five-field cron expression bound to the zone it is
// evaluated in.
type Schedule struct {
	expr string
	spec cron.Schedule
	loc  *time.Location
}

// ParseSchedule parses expr for evaluation in the IANA zone tz. An empty tz
// means UTC. The zone belongs in tz, not in the expression.
func ParseSchedule(expr, tz string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidTrigger)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: set the zone with tz, not inside %q", ErrInvalidTrigger, expr)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: interval schedules are not supported: %q", ErrInvalidTrigger, expr)
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, expr, err)
	}
	loc, err := loadZone(tz)
	if err != nil {
		return nil, err
	}
	return &Schedule{expr: expr, spec: spec, loc: loc}, nil
}

func loadZone(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidTrigger, tz, err)
	}
	return loc, nil
}

// minute returns the wall-clock minute containing now in the schedule's zone.
func (s *Schedule) minute(now time.Time) time.Time {
	return now.In(s.loc).Truncate(time.Minute)
}

// Matches reports whether the minute containing now is selected by the
// expression, read on the zone's wall clock.
func (s *Schedule) Matches(now time.Time) bool {
	m := s.minute(now)
	return s.spec.Next(m.Add(-time.Second)).Equal(m)
}

// Due reports whether a trigger with this schedule should fire at now: the
// current minute matches and lastRun does not already fall inside it.
func (s *Schedule) Due(now time.Time, lastRun *time.Time) bool {
	if !s.Matches(now) {
		return false
	}
	if lastRun == nil {
		return true
	}
	return lastRun.Before(s.minute(now))
}

// Next returns the first matching minute strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.spec.Next(t.In(s.loc))
}

func (s *Schedule) String() string { return s.expr }
