// Package schedule turns a wall-clock start time into the daily keep-alive
// trigger table and its UTC cron expression.
//
// A usage window lasts 5 hours, so triggers are spaced 300 minutes apart.
// Five slots are derived from the anchor; only the first four are installed
// (ActiveSlots), since a fifth trigger would land within the same 24h cycle
// and a sixth would duplicate the anchor.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SlotCount is the number of slots derived per cycle.
	SlotCount = 5
	// ActiveSlots is how many slots are installed as remote triggers.
	ActiveSlots = 4
	// WindowMinutes is the spacing between slots and the length of a usage window.
	WindowMinutes = 300

	minutesPerDay = 1440
)

// TriggerTime is a wall-clock point in a (separately supplied) timezone.
type TriggerTime struct {
	Hour   int
	Minute int
}

// ParseTriggerTime parses "HH:MM". Start times must sit on the hour or half hour.
func ParseTriggerTime(s string) (TriggerTime, error) {
	h, m, err := parseHHMM(s)
	if err != nil {
		return TriggerTime{}, err
	}
	if m != 0 && m != 30 {
		return TriggerTime{}, fmt.Errorf("invalid start time %q: minute must be 00 or 30", s)
	}
	return TriggerTime{Hour: h, Minute: m}, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func fromMinutes(total int) TriggerTime {
	total = ((total % minutesPerDay) + minutesPerDay) % minutesPerDay
	return TriggerTime{Hour: total / 60, Minute: total % 60}
}

// Minutes returns the minute of day (0..1439).
func (t TriggerTime) Minutes() int { return t.Hour*60 + t.Minute }

// Add returns t shifted by d minutes, wrapped to the 24h clock.
func (t TriggerTime) Add(minutes int) TriggerTime { return fromMinutes(t.Minutes() + minutes) }

func (t TriggerTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Schedule is the ordered slot table, anchor first.
type Schedule [SlotCount]TriggerTime

// Compute derives the 5 slots at anchor + i*300 minutes (mod 24h).
func Compute(anchor TriggerTime) Schedule {
	var s Schedule
	for i := range s {
		s[i] = anchor.Add(i * WindowMinutes)
	}
	return s
}

// ResetTime is when the usage window opened by a trigger at slot closes.
func ResetTime(slot TriggerTime) TriggerTime { return slot.Add(WindowMinutes) }

// Active returns the installed slots.
func (s Schedule) Active() []TriggerTime {
	out := make([]TriggerTime, ActiveSlots)
	copy(out, s[:ActiveSlots])
	return out
}

// ResetTimes returns ResetTime for every slot, in slot order.
func (s Schedule) ResetTimes() []TriggerTime {
	out := make([]TriggerTime, len(s))
	for i, t := range s {
		out[i] = ResetTime(t)
	}
	return out
}

// Strings formats every slot as HH:MM.
func (s Schedule) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.String()
	}
	return out
}
