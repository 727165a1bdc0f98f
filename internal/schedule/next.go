package schedule

import (
	"os"
	"sort"
	"strings"
	"time"
)

// DefaultTimezone is used when the local zone cannot be determined.
const DefaultTimezone = "Asia/Seoul"

// Next is the upcoming trigger as seen from a given instant.
type Next struct {
	Slot     TriggerTime
	At       time.Time
	Tomorrow bool
	// Label is "Today HH:MM ABBR" or "Tomorrow HH:MM ABBR".
	Label string
}

// NextTrigger returns the earliest active slot strictly after the current
// wall-clock minute in loc. A slot equal to now counts as already past.
// When no slot is left today, the earliest slot is reported for tomorrow.
func NextTrigger(s Schedule, loc *time.Location, now time.Time) Next {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()

	active := s.Active()
	sort.SliceStable(active, func(i, j int) bool { return active[i].Minutes() < active[j].Minutes() })

	abbr, _ := local.Zone()
	if strings.TrimSpace(abbr) == "" {
		abbr = loc.String()
	}

	for _, t := range active {
		if t.Minutes() > current {
			return Next{
				Slot:  t,
				At:    time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc),
				Label: "Today " + t.String() + " " + abbr,
			}
		}
	}
	first := active[0]
	return Next{
		Slot:     first,
		At:       time.Date(local.Year(), local.Month(), local.Day()+1, first.Hour, first.Minute, 0, 0, loc),
		Tomorrow: true,
		Label:    "Tomorrow " + first.String() + " " + abbr,
	}
}

// LoadLocation resolves an IANA zone name. Empty means DetectLocalTimezone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DetectLocalTimezone()
	}
	return time.LoadLocation(name)
}

// DetectLocalTimezone makes a best-effort guess at the host's IANA zone name.
// It never fails; DefaultTimezone is returned when nothing usable is found.
func DetectLocalTimezone() string {
	return detectTimezone(os.Getenv, os.ReadFile, os.Readlink)
}

func detectTimezone(getenv func(string) string, readFile func(string) ([]byte, error), readlink func(string) (string, error)) string {
	valid := func(name string) bool {
		name = strings.TrimSpace(name)
		if name == "" || name == "Local" {
			return false
		}
		_, err := time.LoadLocation(name)
		return err == nil
	}

	if tz := strings.TrimPrefix(strings.TrimSpace(getenv("TZ")), ":"); valid(tz) {
		return tz
	}
	if b, err := readFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(b)); valid(tz) {
			return tz
		}
	}
	if target, err := readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			if tz := target[i+len("zoneinfo/"):]; valid(tz) {
				return tz
			}
		}
	}
	return DefaultTimezone
}
