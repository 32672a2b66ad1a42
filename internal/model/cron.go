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

// ParseCron validates a cron expression with 5 fields or a macro such as
// @daily or @every 1h.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var (
	ErrDurationFormat = errors.New("invalid duration")

	shortDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)
	isoDurationRx   = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)
)

// ParseDuration accepts day based durations like "7d" or "1d12h", ISO 8601
// durations like "P7D" or "PT36H" and everything time.ParseDuration does.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, fmt.Errorf("%w: empty", ErrDurationFormat)
	case strings.HasPrefix(s, "P"):
		if s == "P" || strings.HasSuffix(s, "T") {
			return 0, fmt.Errorf("%w: %q", ErrDurationFormat, s)
		}
		m := isoDurationRx.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("%w: %q", ErrDurationFormat, s)
		}
		return sum(m[1:], []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second})
	}

	if m := shortDurationRx.FindStringSubmatch(s); m != nil {
		parts := make([]string, 0, 4)
		for _, seg := range m[1:] {
			parts = append(parts, strings.TrimRight(seg, "dhms"))
		}
		return sum(parts, []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second})
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDurationFormat, err)
	}
	return d, nil
}

func sum(nums []string, units []time.Duration) (time.Duration, error) {
	var total time.Duration
	for i, num := range nums {
		if num == "" {
			continue
		}
		val, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrDurationFormat, num)
		}
		if val > int64(math.MaxInt64/units[i]) {
			return 0, fmt.Errorf("%w: overflow", ErrDurationFormat)
		}
		add := time.Duration(val) * units[i]
		if total > time.Duration(math.MaxInt64)-add {
			return 0, fmt.Errorf("%w: overflow", ErrDurationFormat)
		}
		total += add
	}
	return total, nil
}
