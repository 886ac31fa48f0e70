// Package scheduler runs the periodic due-date sweep over open requests.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	ScheduleKindCron     = "cron"
	ScheduleKindInterval = "interval"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleSpec is a parsed sweep schedule.
type ScheduleSpec struct {
	Kind     string
	Expr     string
	Interval time.Duration
	Timezone string

	location     *time.Location
	cronSchedule cron.Schedule
}

// ParseSchedule accepts a five-field cron expression or a descriptor such
// as "@hourly" or "@every 15m". Cron fields are evaluated in timezone
// (UTC when blank).
func ParseSchedule(expr, timezone string) (ScheduleSpec, error) {
	trimmedExpr := strings.TrimSpace(expr)
	if trimmedExpr == "" {
		return ScheduleSpec{}, fmt.Errorf("schedule expression is required")
	}

	trimmedTimezone := strings.TrimSpace(timezone)
	if trimmedTimezone == "" {
		trimmedTimezone = "UTC"
	}
	location, err := time.LoadLocation(trimmedTimezone)
	if err != nil {
		return ScheduleSpec{}, fmt.Errorf("invalid timezone: %w", err)
	}

	parsed, err := scheduleParser.Parse(trimmedExpr)
	if err != nil {
		return ScheduleSpec{}, fmt.Errorf("invalid schedule %q: %w", trimmedExpr, err)
	}

	spec := ScheduleSpec{
		Kind:         ScheduleKindCron,
		Expr:         trimmedExpr,
		Timezone:     trimmedTimezone,
		location:     location,
		cronSchedule: parsed,
	}
	if delay, ok := parsed.(cron.ConstantDelaySchedule); ok {
		spec.Kind = ScheduleKindInterval
		spec.Interval = delay.Delay
	}
	return spec, nil
}

// ComputeNextRun returns the first run strictly after the later of now and
// lastRunAt.
func ComputeNextRun(spec ScheduleSpec, now time.Time, lastRunAt *time.Time) (time.Time, error) {
	if spec.cronSchedule == nil {
		return time.Time{}, fmt.Errorf("schedule is not parsed")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}

	switch spec.Kind {
	case ScheduleKindInterval:
		base := now
		if lastRunAt != nil && !lastRunAt.IsZero() && lastRunAt.UTC().Add(spec.Interval).After(now) {
			base = lastRunAt.UTC()
		}
		return base.Add(spec.Interval), nil
	case ScheduleKindCron:
		reference := now
		if lastRunAt != nil && !lastRunAt.IsZero() && lastRunAt.UTC().After(reference) {
			reference = lastRunAt.UTC()
		}
		location := spec.location
		if location == nil {
			location = time.UTC
		}
		return spec.cronSchedule.Next(reference.In(location)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported schedule kind: %s", spec.Kind)
	}
}
