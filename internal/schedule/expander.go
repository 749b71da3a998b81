// Package schedule expands recurring campaign configurations into
// concrete fire instants.
package schedule

import (
	"fmt"
	"time"

	"mailcast/internal/domain"
)

// maxScan bounds the day-by-day search. A monthly config whose only
// monthday is invalid for several months in a row (e.g. day 31) still
// fires within a year, so one year of days is always enough.
const maxScan = 366

// NextFireTime returns the earliest fire instant strictly after `after`
// for the given config, bounded by its [StartDate, EndDate] window.
// Feeding the result back as `after` walks the full (lazy, restartable)
// fire sequence. ok is false once the sequence is exhausted or the
// config can never fire (empty day set, unparsable time).
func NextFireTime(cfg domain.RecurringConfig, after time.Time) (time.Time, bool) {
	hh, mm, err := parseClock(cfg.Time)
	if err != nil {
		return time.Time{}, false
	}

	switch cfg.Frequency {
	case domain.FrequencyDaily:
	case domain.FrequencyWeekly, domain.FrequencyMonthly:
		// Malformed day set means "never fires", not an error.
		if len(cfg.Days) == 0 {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	loc := after.Location()
	start := cfg.StartDate.In(loc)

	// First candidate day: the later of `after` and the window start.
	day := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, loc)
	if sd := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc); day.Before(sd) {
		day = sd
	}

	var end time.Time
	if cfg.EndDate != nil {
		e := cfg.EndDate.In(loc)
		// The fire on EndDate itself is still in range.
		end = time.Date(e.Year(), e.Month(), e.Day(), hh, mm, 0, 0, loc)
	}

	for i := 0; i < maxScan; i++ {
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
		day = day.AddDate(0, 0, 1)

		if !candidate.After(after) {
			continue
		}
		if cfg.EndDate != nil && candidate.After(end) {
			return time.Time{}, false
		}

		switch cfg.Frequency {
		case domain.FrequencyDaily:
			return candidate, true
		case domain.FrequencyWeekly:
			if containsDay(cfg.Days, int(candidate.Weekday())) {
				return candidate, true
			}
		case domain.FrequencyMonthly:
			// Iterating real calendar days skips monthdays that do not
			// exist in a given month (day 31 in February never shows up).
			if containsDay(cfg.Days, candidate.Day()) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

// Validate rejects configurations that could never produce a sane fire
// sequence. Called at campaign creation so the error reaches the
// creator, not the scheduler log.
func Validate(cfg domain.RecurringConfig) error {
	if _, _, err := parseClock(cfg.Time); err != nil {
		return &domain.ConfigError{Reason: fmt.Sprintf("recurring time %q is not HH:MM", cfg.Time)}
	}
	switch cfg.Frequency {
	case domain.FrequencyDaily:
		if len(cfg.Days) != 0 {
			return &domain.ConfigError{Reason: "daily schedule takes no day set"}
		}
	case domain.FrequencyWeekly:
		if len(cfg.Days) == 0 {
			return &domain.ConfigError{Reason: "weekly schedule needs at least one weekday"}
		}
		for _, d := range cfg.Days {
			if d < 0 || d > 6 {
				return &domain.ConfigError{Reason: fmt.Sprintf("weekday %d out of range 0..6", d)}
			}
		}
	case domain.FrequencyMonthly:
		if len(cfg.Days) == 0 {
			return &domain.ConfigError{Reason: "monthly schedule needs at least one monthday"}
		}
		for _, d := range cfg.Days {
			if d < 1 || d > 31 {
				return &domain.ConfigError{Reason: fmt.Sprintf("monthday %d out of range 1..31", d)}
			}
		}
	default:
		return &domain.ConfigError{Reason: fmt.Sprintf("unknown frequency %q", cfg.Frequency)}
	}
	if cfg.StartDate.IsZero() {
		return &domain.ConfigError{Reason: "recurring schedule needs a start date"}
	}
	if cfg.EndDate != nil && cfg.EndDate.Before(cfg.StartDate) {
		return &domain.ConfigError{Reason: "end date before start date"}
	}
	return nil
}

func parseClock(s string) (hh, mm int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("clock %q out of range", s)
	}
	return h, m, nil
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}
