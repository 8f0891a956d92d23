package leaderboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"discquiz/internal/quiz"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger accepts "HH:MM" (daily), a 5-field cron expression or a
// descriptor such as @daily.
func ParseTrigger(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("leaderboard time required")
	}
	if t, err := quiz.ParseTimeOfDay(s); err == nil {
		s = fmt.Sprintf("%d %d * * *", t.Minute, t.Hour)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid leaderboard time %q (use HH:MM or cron like '0 12 * * *'): %w", raw, err)
	}
	// @every intervals are relative to when they are evaluated and never
	// line up with a minute boundary.
	if _, ok := sched.(*cron.ConstantDelaySchedule); ok {
		return nil, fmt.Errorf("invalid leaderboard time %q: @every intervals are not supported", raw)
	}
	return sched, nil
}

// firesAt reports whether sched activates at minute, evaluated in the
// minute's location.
func firesAt(sched cron.Schedule, minute time.Time) bool {
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
