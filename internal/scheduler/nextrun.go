package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/domain"
)

// NextRun computes when task should run next after now. Inactive tasks have no
// next run. Time-of-day frequencies are evaluated in loc and returned in UTC.
func NextRun(task domain.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, error) {
	if !task.IsActive {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	var next time.Time
	switch task.Frequency {
	case domain.FrequencyMinutely:
		next = now.Add(time.Minute)
	case domain.FrequencyHourly:
		next = now.Add(time.Hour)
	case domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly:
		sched, err := cron.ParseStandard(cronSpec(task, loc))
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
		next = sched.Next(now.In(loc))
		if next.IsZero() {
			return nil, fmt.Errorf("task %s: schedule never fires", task.ID)
		}
	default:
		return nil, fmt.Errorf("task %s: invalid frequency %q", task.ID, task.Frequency)
	}
	next = next.UTC()
	return &next, nil
}

// cronSpec renders the task's schedule as a standard five-field expression.
func cronSpec(task domain.ScheduledTask, loc *time.Location) string {
	hour, minute, err := domain.ParseScheduleTime(task.ScheduleTime)
	if err != nil {
		return "invalid " + task.ScheduleTime
	}
	created := task.CreatedAt.In(loc)

	dom, dow := "*", "*"
	switch task.Frequency {
	case domain.FrequencyWeekly:
		days := task.ScheduleDays
		if len(days) == 0 {
			days = []int{int(created.Weekday())}
		}
		dow = joinDays(days)
	case domain.FrequencyMonthly:
		dom = strconv.Itoa(created.Day())
	}
	return fmt.Sprintf("%d %d %s * %s", minute, hour, dom, dow)
}

func joinDays(days []int) string {
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	for i, d := range sorted {
		if i > 0 && d == sorted[i-1] {
			continue
		}
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}
