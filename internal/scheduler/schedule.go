package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule wraps a parsed cron expression, evaluated in a fixed location.
type Schedule struct {
	expr string
	loc  *time.Location
	sch  cron.Schedule
}

// NewSchedule parses expr (standard cron syntax, optionally with a leading
// seconds field, or a descriptor like "@hourly") against tz, an IANA
// timezone name or "Local"/"" for the server's local zone.
func NewSchedule(expr, tz string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression is required")
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.Local
	tz = strings.TrimSpace(tz)
	if tz != "" && !strings.EqualFold(tz, "local") {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = parsed
	}
	return Schedule{expr: expr, loc: loc, sch: sch}, nil
}

// Next returns the next run time strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	if s.sch == nil {
		return time.Time{}
	}
	return s.sch.Next(now.In(s.loc))
}

// String returns the original cron expression.
func (s Schedule) String() string {
	return s.expr
}
