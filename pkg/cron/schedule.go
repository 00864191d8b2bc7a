package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// compiled is a parsed schedule bound to its location.
type compiled struct {
	sched cron.Schedule
	loc   *time.Location
}

// Next returns the first fire time strictly after t.
func (c compiled) Next(t time.Time) time.Time {
	return c.sched.Next(t.In(c.loc))
}

// compile parses a schedule. Intervals under a second are rejected.
func compile(s Schedule) (compiled, error) {
	loc, err := loadLocation(s.TZ)
	if err != nil {
		return compiled{}, err
	}

	switch {
	case s.Every > 0 && s.Expr != "":
		return compiled{}, fmt.Errorf("schedule sets both every and expr")
	case s.Every > 0:
		if s.Every < time.Second {
			return compiled{}, fmt.Errorf("interval %v is shorter than 1s", s.Every)
		}
		return compiled{sched: cron.Every(s.Every), loc: loc}, nil
	case s.Expr != "":
		sched, err := parser.Parse(s.Expr)
		if err != nil {
			return compiled{}, fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		return compiled{sched: sched, loc: loc}, nil
	default:
		return compiled{}, fmt.Errorf("schedule requires every or expr")
	}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ActiveHours is a daily window. End before Start wraps past midnight;
// equal bounds mean all day.
type ActiveHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM", "24:00" allowed
	TZ    string `json:"tz,omitempty"`
}

// Validate checks the bounds and timezone.
func (a ActiveHours) Validate() error {
	if _, err := parseClock(a.Start); err != nil {
		return fmt.Errorf("active hours start: %w", err)
	}
	if _, err := parseClock(a.End); err != nil {
		return fmt.Errorf("active hours end: %w", err)
	}
	_, err := loadLocation(a.TZ)
	return err
}

// Contains reports whether t falls inside the window.
func (a ActiveHours) Contains(t time.Time) bool {
	start, err := parseClock(a.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(a.End)
	if err != nil {
		return true
	}
	loc, err := loadLocation(a.TZ)
	if err != nil {
		return true
	}

	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return true
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// parseClock returns minutes since midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour == 24 && minute == 0 {
		return 24 * 60, nil
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return hour*60 + minute, nil
}

// Validate checks a job definition and fills defaults.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.ContainsAny(j.ID, ":/\\") || strings.Contains(j.ID, "..") {
		return fmt.Errorf("job %s: id cannot contain ':', '/', '\\' or '..'", j.ID)
	}

	switch j.Kind {
	case KindHeartbeat:
		if j.Schedule.Every <= 0 {
			return fmt.Errorf("job %s: heartbeat requires an interval", j.ID)
		}
		if j.Target == "" {
			j.Target = SessionTargetMain
		}
		if j.Prompt == "" {
			j.Prompt = DefaultHeartbeatPrompt
		}
	case KindCron:
		if j.Prompt == "" {
			return fmt.Errorf("job %s: prompt is required", j.ID)
		}
		if j.Target == "" {
			j.Target = SessionTargetIsolated
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}

	switch j.Target {
	case SessionTargetMain, SessionTargetIsolated:
	default:
		return fmt.Errorf("job %s: unknown target %q", j.ID, j.Target)
	}
	switch j.Delivery {
	case "":
		j.Delivery = DeliveryAnnounce
	case DeliveryAnnounce, DeliveryInternal:
	default:
		return fmt.Errorf("job %s: unknown delivery %q", j.ID, j.Delivery)
	}

	if _, err := compile(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.ActiveHours != nil {
		if err := j.ActiveHours.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return nil
}
