package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDuration parses config durations like "5s", "60m", "1h" or "2d".
// Plain Go durations ("1m30s", "250ms") are accepted as well.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if unit, ok := durationUnits[value[len(value)-1]]; ok {
		if number, err := strconv.Atoi(value[:len(value)-1]); err == nil {
			if number < 0 {
				return 0, fmt.Errorf("negative duration: %s", value)
			}
			return time.Duration(number) * unit, nil
		}
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", value)
	}
	return d, nil
}

// ParseStringTime is ParseDuration with a fallback for unparsable input.
func ParseStringTime(value string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
