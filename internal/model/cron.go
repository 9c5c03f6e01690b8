package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat     = errors.New("invalid ISO8601 duration")
	ErrEmptySchedule = errors.New("both cron and duration are empty")
)

// ParseCron validates a 5 field cron expression or a descriptor such as
// @hourly and returns the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var (
		schedule cron.Schedule
		err      error
	)
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseISODuration parses the day and time part of an ISO-8601 duration,
// e.g. P30D, PT10M or P1DT2H30.5S. Years, months and weeks are rejected,
// a minute component requires the T designator.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	hasT := strings.Contains(dur, "T")
	var (
		hasTime bool
		ret     time.Duration
	)
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if name == "" || part == "" {
			continue
		}
		switch name {
		case "hour":
			hasT, hasTime = true, true
		case "minute", "second":
			hasTime = true
		}
		// P2M is a month, not a minute
		if name == "minute" && !hasT {
			return 0, ErrISOFormat
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		unit := isoUnits[name]
		if num > math.MaxInt64/int64(unit) || num < math.MinInt64/int64(unit) {
			return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, name)
		}
		d := time.Duration(num) * unit
		if num >= 0 {
			d += time.Duration(frac * float64(unit))
		} else {
			d -= time.Duration(frac * float64(unit))
		}
		ret += d
	}

	// P2DT
	if hasT && !hasTime {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}

// Validate checks the schedule the same way the retention scheduler will
// interpret it.
func (s Schedule) Validate() error {
	switch {
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return fmt.Errorf("parsing retention.schedule.cron: %w", err)
		}
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return fmt.Errorf("parsing retention.schedule.duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("retention.schedule.duration must be positive, got %s", s.Duration)
		}
	default:
		return ErrEmptySchedule
	}
	return nil
}

// Ages returns the parsed max_age and history_age.
func (r Retention) Ages() (maxAge, historyAge time.Duration, err error) {
	maxAge, err = ParseISODuration(r.MaxAge)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing retention.max_age: %w", err)
	}
	historyAge, err = ParseISODuration(r.HistoryAge)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing retention.history_age: %w", err)
	}
	if maxAge < 0 || historyAge < 0 {
		return 0, 0, errors.New("retention ages must not be negative")
	}
	return maxAge, historyAge, nil
}
