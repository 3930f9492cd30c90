// Package trigger compiles per-tenant schedule configuration into concrete
// cron specs or fixed-period schedules consumable by the jobs service.
package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency is a closed enum; consuming switches are exhaustive and
// unrecognized values deliberately degrade to daily (see Compile).
type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqInterval Frequency = "interval"
	FreqWeekly   Frequency = "weekly"
	FreqMonthly  Frequency = "monthly"
)

// ScheduleConfig is a tenant report-task schedule. Only the fields relevant
// to Frequency are meaningful; the rest are ignored, not validated away.
type ScheduleConfig struct {
	Frequency    Frequency
	IntervalDays int   // interval only; > 0
	Weekdays     []int // weekly only; Mon=0..Sun=6, empty = every day
	TimeOfDay    string // "HH:MM"
	Timezone     string // IANA name; empty falls back to the default
	Active       bool
}

// Trigger is a compiled schedule. Exactly one of CronSpec / Schedule is set:
// daily/weekly (and the monthly fallback) compile to a cron spec with a
// CRON_TZ prefix, interval compiles to a fixed-period cron.Schedule anchored
// at the next occurrence of TimeOfDay strictly after compile time.
type Trigger struct {
	CronSpec string
	Schedule cron.Schedule

	// Fingerprint identifies the schedule as configured (anchor excluded),
	// so a resync keeps the live job — and its anchor — when the config is
	// unchanged.
	Fingerprint string
}

// Compile translates cfg into a Trigger. now supplies the interval anchor.
// A monthly or unrecognized frequency degrades to daily at the configured
// time; this mirrors the production behavior and is intentional, not an
// error (stricter validation would belong at configuration-write time).
func Compile(cfg ScheduleConfig, now time.Time, defaultTZ string) (Trigger, error) {
	hour, min, err := parseHHMM(cfg.TimeOfDay)
	if err != nil {
		return Trigger{}, err
	}
	loc, tzName := loadLocation(cfg.Timezone, defaultTZ)

	switch cfg.Frequency {
	case FreqWeekly:
		dows := cronWeekdays(cfg.Weekdays)
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * %s", tzName, min, hour, dows)
		return Trigger{CronSpec: spec, Fingerprint: spec}, nil

	case FreqInterval:
		n := cfg.IntervalDays
		if n < 1 {
			n = 1
		}
		sched := &everyNDays{
			anchor:     nextAt(now.In(loc), hour, min),
			periodDays: n,
			hour:       hour,
			min:        min,
			loc:        loc,
		}
		fp := fmt.Sprintf("every:%dd@%02d:%02d tz=%s", n, hour, min, tzName)
		return Trigger{Schedule: sched, Fingerprint: fp}, nil

	case FreqDaily:
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", tzName, min, hour)
		return Trigger{CronSpec: spec, Fingerprint: spec}, nil

	default:
		// FreqMonthly and unrecognized frequencies run daily at the
		// configured time.
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", tzName, min, hour)
		return Trigger{CronSpec: spec, Fingerprint: spec}, nil
	}
}

// cronWeekdays converts a Mon=0..Sun=6 weekday set into a cron day-of-week
// list (Sun=0..Sat=6). An empty set means every day.
func cronWeekdays(weekdays []int) string {
	if len(weekdays) == 0 {
		return "*"
	}
	seen := map[int]bool{}
	var dows []int
	for _, wd := range weekdays {
		if wd < 0 || wd > 6 {
			continue
		}
		d := (wd + 1) % 7
		if !seen[d] {
			seen[d] = true
			dows = append(dows, d)
		}
	}
	if len(dows) == 0 {
		return "*"
	}
	sort.Ints(dows)
	parts := make([]string, len(dows))
	for i, d := range dows {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// nextAt returns the next wall-clock occurrence of hh:mm strictly after t,
// in t's location. "Strictly after" guarantees no immediate double fire when
// compiling exactly at the configured time.
func nextAt(t time.Time, hour, min int) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), hour, min, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// everyNDays fires at hh:mm local time every periodDays calendar days,
// starting at anchor. Calendar arithmetic (AddDate) keeps the wall-clock
// time stable across DST transitions.
type everyNDays struct {
	anchor     time.Time
	periodDays int
	hour, min  int
	loc        *time.Location
}

func (s *everyNDays) Next(t time.Time) time.Time {
	t = t.In(s.loc)
	if t.Before(s.anchor) {
		return s.anchor
	}
	// Estimate the step count, then walk forward to the first fire after t.
	k := int(t.Sub(s.anchor).Hours()) / (24 * s.periodDays)
	for {
		day := s.anchor.AddDate(0, 0, k*s.periodDays)
		cand := time.Date(day.Year(), day.Month(), day.Day(), s.hour, s.min, 0, 0, s.loc)
		if cand.After(t) {
			return cand
		}
		k++
	}
}

func parseHHMM(s string) (hour, min int, err error) {
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

func loadLocation(tz, def string) (*time.Location, string) {
	name := strings.TrimSpace(tz)
	if name == "" {
		name = strings.TrimSpace(def)
	}
	if name == "" {
		name = "Europe/Moscow"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		name = "Europe/Moscow"
		loc, err = time.LoadLocation(name)
		if err != nil {
			return time.UTC, "UTC"
		}
	}
	return loc, name
}
