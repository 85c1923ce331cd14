package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// isoDuration accepts the subset of ISO-8601 durations the configuration
// uses: days, hours, minutes and (fractional) seconds.
var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:[.,](\d{1,9}))?S)?)?$`)

// ParseISODuration parses durations like PT5S, PT1M30S or P1DT2H.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}

	var d time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
		}
		d += time.Duration(n) * unit
	}
	if frac := m[5]; frac != "" {
		ns, _ := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
		d += time.Duration(ns)
	}
	return d, nil
}

// ParseCron parses a standard 5 field cron expression or a descriptor like
// @hourly and returns the interval between two consecutive activations.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

// Validate checks the republish schedule, returning the interval between two sweeps.
func (r Republish) Validate() (time.Duration, error) {
	switch {
	case r.Cron != "" && r.Duration != "":
		return 0, errors.New("republish: cron and duration are mutually exclusive")
	case r.Cron != "":
		d, err := ParseCron(r.Cron)
		if err != nil {
			return 0, fmt.Errorf("republish.cron: %w", err)
		}
		return d, nil
	case r.Duration != "":
		d, err := ParseISODuration(r.Duration)
		if err != nil {
			return 0, fmt.Errorf("republish.duration: %w", err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("republish.duration: must be positive, got %s", r.Duration)
		}
		return d, nil
	default:
		return 0, errors.New("republish: both cron and duration are empty")
	}
}
