// Package schedule parses recurring schedule strings and computes run times
// without depending on time.Location data. All arithmetic is done on unix
// timestamps with a whole-hour UTC offset, so results are stable across
// hosts with different tz databases.
//
// Schedule format is "HH:MM <recurrence>" where recurrence is one of:
//   - once            fires once, then the task is disabled
//   - daily           fires every day at the given time
//   - weekly(monday)  fires once a week on the given day
//   - custom(mon,fri) fires on the listed days of the week
//   - monthly(15)     fires once a month on the given day number
//
// The time component is in the user's local timezone.
package schedule

import (
	"fmt"
	"strings"
)

// Kind is the recurrence class of a schedule.
type Kind int

const (
	Once Kind = iota
	Daily
	Weekly
	Monthly
)

// Schedule is a parsed schedule string.
type Schedule struct {
	Hour   int
	Minute int
	Kind   Kind
	// Weekdays holds the firing days for Weekly schedules, Monday=0.
	Weekdays []int
	// MonthDay holds the firing day (1-31) for Monthly schedules.
	MonthDay int
}

// Parse parses a schedule string.
func Parse(s string) (Schedule, error) {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(fields) != 2 {
		return Schedule{}, fmt.Errorf("schedule: want %q, got %q", "HH:MM recurrence", s)
	}

	var sched Schedule
	hm := strings.Split(fields[0], ":")
	if len(hm) != 2 {
		return Schedule{}, fmt.Errorf("schedule: bad time %q", fields[0])
	}
	sched.Hour = parseInt(hm[0])
	sched.Minute = parseInt(hm[1])
	if sched.Hour < 0 || sched.Hour > 23 || sched.Minute < 0 || sched.Minute > 59 {
		return Schedule{}, fmt.Errorf("schedule: bad time %q", fields[0])
	}

	rec := strings.TrimSpace(fields[1])
	switch {
	case rec == "once":
		sched.Kind = Once
	case rec == "daily":
		sched.Kind = Daily
	case strings.HasPrefix(rec, "weekly(") && strings.HasSuffix(rec, ")"):
		day, ok := weekday(rec[len("weekly(") : len(rec)-1])
		if !ok {
			return Schedule{}, fmt.Errorf("schedule: bad weekday in %q", rec)
		}
		sched.Kind = Weekly
		sched.Weekdays = []int{day}
	case strings.HasPrefix(rec, "custom(") && strings.HasSuffix(rec, ")"):
		for _, name := range strings.Split(rec[len("custom("):len(rec)-1], ",") {
			day, ok := weekday(strings.TrimSpace(name))
			if !ok {
				return Schedule{}, fmt.Errorf("schedule: bad weekday in %q", rec)
			}
			sched.Weekdays = append(sched.Weekdays, day)
		}
		if len(sched.Weekdays) == 0 {
			return Schedule{}, fmt.Errorf("schedule: empty day list in %q", rec)
		}
		sched.Kind = Weekly
	case strings.HasPrefix(rec, "monthly(") && strings.HasSuffix(rec, ")"):
		dom := parseInt(rec[len("monthly(") : len(rec)-1])
		if dom < 1 || dom > 31 {
			return Schedule{}, fmt.Errorf("schedule: bad day of month in %q", rec)
		}
		sched.Kind = Monthly
		sched.MonthDay = dom
	default:
		return Schedule{}, fmt.Errorf("schedule: unknown recurrence %q", rec)
	}
	return sched, nil
}

// NextRun returns the next UTC unix timestamp at or after nowUnix when the
// schedule fires. tzOffset is the local offset from UTC in whole hours.
// A firing exactly at nowUnix counts as passed and rolls to the next slot.
func (s Schedule) NextRun(nowUnix int64, tzOffset int) int64 {
	offset := int64(tzOffset) * 3600
	localNow := nowUnix + offset
	today := localNow / 86400
	elapsed := localNow % 86400
	target := int64(s.Hour)*3600 + int64(s.Minute)*60

	var day int64
	switch s.Kind {
	case Once, Daily:
		day = today
		if elapsed >= target {
			day++
		}

	case Weekly:
		current := mondayDOW(today)
		best := int64(-1)
		for _, wd := range s.Weekdays {
			ahead := int64(wd) - current
			if ahead < 0 {
				ahead += 7
			}
			if ahead == 0 && elapsed >= target {
				ahead = 7
			}
			if best < 0 || ahead < best {
				best = ahead
			}
		}
		day = today + best

	case Monthly:
		y, m, d := civilFromDays(today)
		if d > s.MonthDay || (d == s.MonthDay && elapsed >= target) {
			m++
			if m > 12 {
				m = 1
				y++
			}
		}
		day = daysFromCivil(y, m, s.MonthDay)
	}

	return day*86400 + target - offset
}

// Repeats reports whether the schedule fires more than once.
func (s Schedule) Repeats() bool { return s.Kind != Once }

// ComputeNextRun parses a schedule string and computes its next run.
// The boolean is false when the string does not parse.
func ComputeNextRun(schedule string, nowUnix int64, tzOffset int) (int64, bool) {
	s, err := Parse(schedule)
	if err != nil {
		return 0, false
	}
	return s.NextRun(nowUnix, tzOffset), true
}

// FormatLocalTime formats a UTC unix timestamp as "YYYY-MM-DD HH:MM" in the
// timezone given by tzOffset (hours from UTC).
func FormatLocalTime(unix int64, tzOffset int) string {
	local := unix + int64(tzOffset)*3600
	y, m, d := civilFromDays(local / 86400)
	rem := local % 86400
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d", y, m, d, rem/3600, rem%3600/60)
}

// mondayDOW returns the day of week for a unix day count, Monday=0.
// The epoch (1970-01-01) was a Thursday.
func mondayDOW(days int64) int64 {
	return ((days % 7) + 3) % 7
}

// weekday maps an English day name or three-letter abbreviation to
// day-of-week, Monday=0.
func weekday(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "monday", "mon":
		return 0, true
	case "tuesday", "tue":
		return 1, true
	case "wednesday", "wed":
		return 2, true
	case "thursday", "thu":
		return 3, true
	case "friday", "fri":
		return 4, true
	case "saturday", "sat":
		return 5, true
	case "sunday", "sun":
		return 6, true
	}
	return 0, false
}

// parseInt parses a non-negative integer. Returns -1 on empty input or any
// non-digit character.
func parseInt(s string) int {
	if s == "" {
		return -1
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// civilFromDays converts days since the Unix epoch to year/month/day.
// Algorithm from http://howardhinnant.github.io/date_algorithms.html
func civilFromDays(days int64) (year, month, day int) {
	z := days + 719468
	era := z / 146097
	if z < 0 {
		era = (z - 146096) / 146097
	}
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
	}
	if m <= 2 {
		y++
	}
	return int(y), int(m), int(d)
}

// daysFromCivil converts year/month/day to days since the Unix epoch.
// Inverse of civilFromDays.
func daysFromCivil(year, month, day int) int64 {
	y := int64(year)
	m := int64(month)
	d := int64(day)
	if m <= 2 {
		y--
	}
	era := y / 400
	if y < 0 {
		era = (y - 399) / 400
	}
	yoe := y - era*400
	var doy int64
	if m > 2 {
		doy = (153*(m-3)+2)/5 + d - 1
	} else {
		doy = (153*(m+9)+2)/5 + d - 1
	}
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
