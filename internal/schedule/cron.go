package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec is a daily 5-field cron expression in UTC. All active slots share
// one minute value; they differ only in hour.
type CronSpec struct {
	Minute int
	Hours  []int
}

// String renders "<minute> <h0>,<h1>,... * * *".
func (c CronSpec) String() string {
	hs := make([]string, len(c.Hours))
	for i, h := range c.Hours {
		hs[i] = strconv.Itoa(h)
	}
	return fmt.Sprintf("%d %s * * *", c.Minute, strings.Join(hs, ","))
}

// ToCronSpec converts the active slots from loc to UTC.
//
// The zone offset is taken at now, so the result is correct for the current
// DST period only; redeploy after a DST switch to keep local times stable.
// Slots are 300 minutes apart, so with a single offset every slot shares the
// same UTC minute even for half-hour zones.
func ToCronSpec(s Schedule, loc *time.Location, now time.Time) CronSpec {
	if loc == nil {
		loc = time.UTC
	}
	_, offsetSec := now.In(loc).Zone()
	offset := offsetSec / 60

	active := s.Active()
	spec := CronSpec{
		Minute: fromMinutes(active[0].Minutes() - offset).Minute,
		Hours:  make([]int, len(active)),
	}
	for i, t := range active {
		spec.Hours[i] = fromMinutes(t.Minutes() - offset).Hour
	}
	return spec
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	return sched, nil
}

// NextFirings returns the next n UTC firing instants of expr after after.
func NextFirings(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := after.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
